package status

import (
	"fmt"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// Code is a storage-engine status code. The numbering follows the embedded
// engine's convention so that codes written into responses survive a
// round-trip through clients of the original wire protocol.
type Code int32

const (
	Ok              Code = 0
	NotFound        Code = 1
	Corruption      Code = 2
	NotSupported    Code = 3
	InvalidArgument Code = 4
	IOError         Code = 5
	TimedOut        Code = 9
	Busy            Code = 11
	TryAgain        Code = 13
)

// Negative codes are reserved for the named fault-injection sites and are
// only ever produced under test.
const (
	FailDBWriteBatchPut    Code = -101
	FailDBWriteBatchDelete Code = -102
	FailDBWrite            Code = -103
	FailDBGet              Code = -104
)

// String returns a short name for the code, used in logs and error messages.
func (c Code) String() string {
	switch c {
	case Ok:
		return "ok"
	case NotFound:
		return "not_found"
	case Corruption:
		return "corruption"
	case NotSupported:
		return "not_supported"
	case InvalidArgument:
		return "invalid_argument"
	case IOError:
		return "io_error"
	case TimedOut:
		return "timed_out"
	case Busy:
		return "busy"
	case TryAgain:
		return "try_again"
	case FailDBWriteBatchPut:
		return "fail_db_write_batch_put"
	case FailDBWriteBatchDelete:
		return "fail_db_write_batch_delete"
	case FailDBWrite:
		return "fail_db_write"
	case FailDBGet:
		return "fail_db_get"
	default:
		return fmt.Sprintf("code(%d)", int32(c))
	}
}

// Status is a structured error carrying an engine code and optional cause.
type Status struct {
	Code    Code
	Message string
	Cause   error
}

// Error implements the error interface.
func (s *Status) Error() string {
	if s.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", s.Code, s.Message, s.Cause)
	}
	return fmt.Sprintf("%s: %s", s.Code, s.Message)
}

// Unwrap returns the underlying error.
func (s *Status) Unwrap() error { return s.Cause }

// New creates a Status with the given code.
func New(code Code, message string, cause error) *Status {
	return &Status{Code: code, Message: message, Cause: cause}
}

// GetCode extracts the engine code from an error, defaulting to IOError for
// errors that did not originate from this package.
func GetCode(err error) Code {
	if err == nil {
		return Ok
	}
	if s, ok := err.(*Status); ok {
		return s.Code
	}
	return IOError
}

// ToGRPCStatus converts a Status into a gRPC status for admin surfaces.
func (s *Status) ToGRPCStatus() *grpcstatus.Status {
	return grpcstatus.New(s.Code.GRPCCode(), s.Error())
}

// GRPCCode maps an engine code to the closest gRPC code.
func (c Code) GRPCCode() codes.Code {
	switch c {
	case Ok:
		return codes.OK
	case NotFound:
		return codes.NotFound
	case Corruption:
		return codes.DataLoss
	case NotSupported:
		return codes.Unimplemented
	case InvalidArgument:
		return codes.InvalidArgument
	case TimedOut:
		return codes.DeadlineExceeded
	case Busy, TryAgain:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}
