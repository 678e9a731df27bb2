package perperr_test

import (
	"PerpCore/internal/perperr"
	"errors"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestError_IsMatchesByCode(t *testing.T) {
	err := perperr.New(perperr.CodeInsufficientBalance, "available %d < %d", 5, 10)

	if !errors.Is(err, perperr.ErrInsufficientBalance) {
		t.Fatalf("expected errors.Is to match InsufficientBalance sentinel")
	}
	if errors.Is(err, perperr.ErrInsufficientMargin) {
		t.Errorf("InsufficientBalance must not match InsufficientMargin")
	}

	wrapped := fmt.Errorf("withdraw: %w", err)
	if got := perperr.CodeOf(wrapped); got != perperr.CodeInsufficientBalance {
		t.Errorf("CodeOf(wrapped): got %s, want InsufficientBalance", got)
	}
}

func TestError_Message(t *testing.T) {
	err := perperr.New(perperr.CodeZeroAmount, "deposit amount is zero")
	if err.Error() != "ZeroAmount: deposit amount is zero" {
		t.Errorf("got %q", err.Error())
	}
	if perperr.ErrOracleStale.Error() != "OracleStale" {
		t.Errorf("got %q, want OracleStale", perperr.ErrOracleStale.Error())
	}
}

func TestCodeOf_NonDomainError(t *testing.T) {
	if got := perperr.CodeOf(errors.New("boom")); got != perperr.CodeUnknown {
		t.Errorf("got %s, want Unknown", got)
	}
}

func TestCode_Categories(t *testing.T) {
	tests := []struct {
		code perperr.Code
		want perperr.Category
	}{
		{perperr.CodeZeroAmount, perperr.CategoryValidation},
		{perperr.CodeInvalidLeverage, perperr.CategoryValidation},
		{perperr.CodeUnauthorized, perperr.CategoryAuthorization},
		{perperr.CodePositionNotOpen, perperr.CategoryStatePrecondition},
		{perperr.CodeFundingIntervalNotElapsed, perperr.CategoryStatePrecondition},
		{perperr.CodeInsufficientMargin, perperr.CategoryResource},
		{perperr.CodeOracleStale, perperr.CategoryOracle},
		{perperr.CodeMathOverflow, perperr.CategoryArithmetic},
	}
	for _, tt := range tests {
		if got := tt.code.Category(); got != tt.want {
			t.Errorf("%s: got %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestParseCode_RoundTrip(t *testing.T) {
	for c := perperr.CodeZeroAmount; c <= perperr.CodeMathOverflow; c++ {
		if got := perperr.ParseCode(c.String()); got != c {
			t.Errorf("ParseCode(%q): got %s, want %s", c.String(), got, c)
		}
	}
}

func TestGRPCStatus_CarriesReason(t *testing.T) {
	err := perperr.GRPCStatus(perperr.New(perperr.CodeUnauthorized, "not the authority"))

	st, ok := status.FromError(err)
	if !ok {
		t.Fatal("expected a gRPC status")
	}
	if st.Code() != codes.PermissionDenied {
		t.Errorf("code: got %s, want PermissionDenied", st.Code())
	}

	back := perperr.FromGRPC(err)
	if !errors.Is(back, perperr.ErrUnauthorized) {
		t.Errorf("FromGRPC: got %v, want Unauthorized", back)
	}
}

func TestGRPCStatus_NotFound(t *testing.T) {
	err := perperr.GRPCStatus(perperr.New(perperr.CodeAccountNotFound, "position 7"))
	if status.Code(err) != codes.NotFound {
		t.Errorf("got %s, want NotFound", status.Code(err))
	}
}

func TestGRPCStatus_Infrastructure(t *testing.T) {
	err := perperr.GRPCStatus(errors.New("connection refused"))
	if status.Code(err) != codes.Internal {
		t.Errorf("got %s, want Internal", status.Code(err))
	}
}
