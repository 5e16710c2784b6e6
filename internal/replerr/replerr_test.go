package replerr

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestOfKindUnwraps(t *testing.T) {
	base := Coded(KindReplicationState, CodeNeedSnapshot, errors.New("follower behind log start"))
	wrapped := fmt.Errorf("client: %w", base)

	if !OfKind(wrapped, KindReplicationState) {
		t.Fatalf("expected wrapped error to classify as KindReplicationState")
	}
	if OfKind(wrapped, KindFatalInject) {
		t.Fatalf("did not expect wrapped error to classify as KindFatalInject")
	}
}

func TestErrorStringIncludesCode(t *testing.T) {
	err := Coded(KindReplicationState, CodeNeedSnapshot, errors.New("boom"))
	if got := err.Error(); !strings.Contains(got, CodeNeedSnapshot) {
		t.Fatalf("error string %q does not include code %q", got, CodeNeedSnapshot)
	}
}
