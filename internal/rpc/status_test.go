package rpc

import (
	"errors"
	"testing"

	"github.com/keelsql/keel/internal/replerr"
)

func TestToStatusFromStatusRoundTripsCode(t *testing.T) {
	original := replerr.Coded(replerr.KindReplicationState, replerr.CodeNeedSnapshot, errors.New("follower behind retention"))

	st := ToStatus(original)
	recovered := FromStatus(st.Err())

	if recovered.Code != replerr.CodeNeedSnapshot {
		t.Fatalf("got code %q, want %q", recovered.Code, replerr.CodeNeedSnapshot)
	}
	if recovered.Kind != replerr.KindReplicationState {
		t.Fatalf("got kind %v, want %v", recovered.Kind, replerr.KindReplicationState)
	}
}

func TestToStatusMapsUnknownErrorToUnknownCode(t *testing.T) {
	st := ToStatus(errors.New("boom"))
	if st.Code() != 2 { // codes.Unknown
		t.Fatalf("got code %v, want Unknown", st.Code())
	}
}

func TestFromStatusWithoutErrorInfoFallsBackToPlainKind(t *testing.T) {
	original := replerr.New(replerr.KindFatalInject, errors.New("disk full"))
	st := ToStatus(original)

	recovered := FromStatus(st.Err())
	if recovered.Kind != replerr.KindFatalInject {
		t.Fatalf("got kind %v, want %v", recovered.Kind, replerr.KindFatalInject)
	}
}
