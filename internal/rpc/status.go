package rpc

import (
	"errors"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/keelsql/keel/internal/replerr"
)

// ToStatus converts a replerr.Error into a gRPC status carrying an
// errdetails.ErrorInfo with the machine-readable replication code, so a
// follower can branch on NEED_SNAPSHOT/NO_HELLO/etc. without parsing the
// human-readable message.
func ToStatus(err error) *status.Status {
	var re *replerr.Error
	if !errors.As(err, &re) {
		return status.New(codes.Unknown, err.Error())
	}

	code := codeForKind(re.Kind)
	st := status.New(code, re.Error())
	if re.Code == "" {
		return st
	}
	withDetails, attachErr := st.WithDetails(&errdetails.ErrorInfo{
		Reason: re.Code,
		Domain: "keel.replication",
	})
	if attachErr != nil {
		return st
	}
	return withDetails
}

func codeForKind(kind replerr.Kind) codes.Code {
	switch kind {
	case replerr.KindTransient:
		return codes.Unavailable
	case replerr.KindProtocol:
		return codes.InvalidArgument
	case replerr.KindReplicationState:
		return codes.FailedPrecondition
	case replerr.KindFatalInject:
		return codes.Internal
	case replerr.KindPermanent:
		return codes.NotFound
	default:
		return codes.Unknown
	}
}

// FromStatus recovers a replerr.Error from an error returned by a gRPC
// call, using the errdetails.ErrorInfo reason as the Code when present.
func FromStatus(err error) *replerr.Error {
	st, ok := status.FromError(err)
	if !ok {
		return replerr.New(replerr.KindTransient, err)
	}

	kind := kindForCode(st.Code())
	code := ""
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok {
			code = info.GetReason()
			break
		}
	}
	return &replerr.Error{Kind: kind, Code: code, Err: errors.New(st.Message())}
}

func kindForCode(code codes.Code) replerr.Kind {
	switch code {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
		return replerr.KindTransient
	case codes.InvalidArgument:
		return replerr.KindProtocol
	case codes.FailedPrecondition:
		return replerr.KindReplicationState
	case codes.Internal:
		return replerr.KindFatalInject
	case codes.NotFound:
		return replerr.KindPermanent
	default:
		return replerr.KindTransient
	}
}
