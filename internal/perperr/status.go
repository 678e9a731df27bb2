package perperr

import (
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorDomain is the ErrorInfo domain attached to gRPC statuses.
const ErrorDomain = "perpcore"

// GRPCCode maps a domain code onto the closest gRPC status code.
func GRPCCode(c Code) codes.Code {
	if c == CodeAccountNotFound {
		return codes.NotFound
	}
	switch c.Category() {
	case CategoryValidation:
		return codes.InvalidArgument
	case CategoryAuthorization:
		return codes.PermissionDenied
	case CategoryStatePrecondition, CategoryResource:
		return codes.FailedPrecondition
	case CategoryOracle:
		return codes.Unavailable
	case CategoryArithmetic:
		return codes.OutOfRange
	default:
		return codes.Internal
	}
}

// GRPCStatus converts err into a gRPC status error. Domain errors carry an
// ErrorInfo detail whose Reason is the code name.
func GRPCStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := CodeOf(err)
	if code == CodeUnknown {
		return status.Error(codes.Internal, err.Error())
	}

	st := status.New(GRPCCode(code), err.Error())
	withDetails, detailErr := st.WithDetails(&errdetails.ErrorInfo{
		Reason:   code.String(),
		Domain:   ErrorDomain,
		Metadata: map[string]string{"category": code.Category().String()},
	})
	if detailErr != nil {
		return st.Err()
	}
	return withDetails.Err()
}

// FromGRPC recovers a domain error from a status produced by GRPCStatus.
// Statuses without an ErrorInfo detail are returned unchanged.
func FromGRPC(err error) error {
	st, ok := status.FromError(err)
	if !ok || st == nil {
		return err
	}
	for _, d := range st.Details() {
		info, ok := d.(*errdetails.ErrorInfo)
		if !ok || info.Domain != ErrorDomain {
			continue
		}
		if code := ParseCode(info.Reason); code != CodeUnknown {
			return &Error{Code: code, Detail: st.Message()}
		}
	}
	return err
}
