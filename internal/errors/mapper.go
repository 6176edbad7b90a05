package errors

import (
	"context"
	"errors"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gorm.io/gorm"
)

const errorDomain = "muzz.connect"

// Map converts domain and infra errors into gRPC status errors.
// Every status produced from a domain error carries an ErrorInfo detail whose
// Reason is the error kind. Unknown errors never leak their text.
func Map(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		var e *Error
		if !errors.As(err, &e) {
			return err
		}
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "request timed out")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "request was canceled")
	case errors.Is(err, gorm.ErrRecordNotFound):
		return withReason(codes.NotFound, "record not found", KindNotFound)
	}

	kind := KindOf(err)
	return withReason(CodeOf(kind), MessageOf(err), kind)
}

// CodeOf is the gRPC code used for a kind.
func CodeOf(kind Kind) codes.Code {
	switch kind {
	case KindNotFound:
		return codes.NotFound
	case KindForbidden:
		return codes.PermissionDenied
	case KindConflict:
		return codes.AlreadyExists
	case KindInsufficientQuota:
		return codes.ResourceExhausted
	case KindEditWindowExpired, KindInvalidOperation:
		return codes.FailedPrecondition
	case KindInvalidArgument:
		return codes.InvalidArgument
	case KindMediaUploadFailed:
		return codes.Aborted
	default:
		return codes.Unavailable
	}
}

func withReason(code codes.Code, msg string, kind Kind) error {
	st := status.New(code, msg)
	detailed, err := st.WithDetails(&errdetails.ErrorInfo{
		Reason: string(kind),
		Domain: errorDomain,
	})
	if err != nil {
		return st.Err()
	}
	return detailed.Err()
}

// ReasonOf extracts the ErrorInfo reason from a gRPC status error.
func ReasonOf(err error) Kind {
	st, ok := status.FromError(err)
	if !ok {
		return ""
	}
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok {
			return Kind(info.GetReason())
		}
	}
	return ""
}
