// Package perperr defines the error taxonomy returned by every core operation.
package perperr

import (
	"errors"
	"fmt"
)

// Category groups codes by the kind of failure a caller is looking at.
type Category int32

const (
	CategoryUnknown Category = iota
	CategoryValidation
	CategoryAuthorization
	CategoryStatePrecondition
	CategoryResource
	CategoryOracle
	CategoryArithmetic
)

func (c Category) String() string {
	switch c {
	case CategoryValidation:
		return "Validation"
	case CategoryAuthorization:
		return "Authorization"
	case CategoryStatePrecondition:
		return "StatePrecondition"
	case CategoryResource:
		return "Resource"
	case CategoryOracle:
		return "Oracle"
	case CategoryArithmetic:
		return "Arithmetic"
	default:
		return "Unknown"
	}
}

// Code is the error kind reported to callers.
type Code int32

const (
	CodeUnknown Code = iota

	// Validation
	CodeZeroAmount
	CodeZeroSize
	CodeInvalidLeverage
	CodeInvalidParameter
	CodeInvalidPrice

	// Authorization
	CodeUnauthorized

	// State precondition
	CodePositionNotOpen
	CodePositionNotLiquidatable
	CodeFundingIntervalNotElapsed
	CodeProtocolPaused
	CodeAlreadyInitialized
	CodeNotInitialized
	CodeAccountNotFound

	// Resource
	CodeInsufficientMargin
	CodeInsufficientBalance

	// Oracle
	CodeOracleStale
	CodeOracleInvalidPrice

	// Arithmetic
	CodeMathOverflow
)

var codeNames = map[Code]string{
	CodeZeroAmount:                "ZeroAmount",
	CodeZeroSize:                  "ZeroSize",
	CodeInvalidLeverage:           "InvalidLeverage",
	CodeInvalidParameter:          "InvalidParameter",
	CodeInvalidPrice:              "InvalidPrice",
	CodeUnauthorized:              "Unauthorized",
	CodePositionNotOpen:           "PositionNotOpen",
	CodePositionNotLiquidatable:   "PositionNotLiquidatable",
	CodeFundingIntervalNotElapsed: "FundingIntervalNotElapsed",
	CodeProtocolPaused:            "ProtocolPaused",
	CodeAlreadyInitialized:        "AlreadyInitialized",
	CodeNotInitialized:            "NotInitialized",
	CodeAccountNotFound:           "AccountNotFound",
	CodeInsufficientMargin:        "InsufficientMargin",
	CodeInsufficientBalance:       "InsufficientBalance",
	CodeOracleStale:               "OracleStale",
	CodeOracleInvalidPrice:        "OracleInvalidPrice",
	CodeMathOverflow:              "MathOverflow",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "Unknown"
}

// ParseCode is the inverse of Code.String. Unknown names return CodeUnknown.
func ParseCode(name string) Code {
	for code, n := range codeNames {
		if n == name {
			return code
		}
	}
	return CodeUnknown
}

// Category returns the category the code belongs to.
func (c Code) Category() Category {
	switch c {
	case CodeZeroAmount, CodeZeroSize, CodeInvalidLeverage, CodeInvalidParameter, CodeInvalidPrice:
		return CategoryValidation
	case CodeUnauthorized:
		return CategoryAuthorization
	case CodePositionNotOpen, CodePositionNotLiquidatable, CodeFundingIntervalNotElapsed,
		CodeProtocolPaused, CodeAlreadyInitialized, CodeNotInitialized, CodeAccountNotFound:
		return CategoryStatePrecondition
	case CodeInsufficientMargin, CodeInsufficientBalance:
		return CategoryResource
	case CodeOracleStale, CodeOracleInvalidPrice:
		return CategoryOracle
	case CodeMathOverflow:
		return CategoryArithmetic
	default:
		return CategoryUnknown
	}
}

// Error is a domain failure. Two errors match under errors.Is when their codes match,
// so a detailed error still satisfies errors.Is(err, ErrZeroAmount).
type Error struct {
	Code   Code
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// New returns an error with the given code and a formatted detail message.
func New(code Code, format string, args ...interface{}) error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the code from err, or CodeUnknown when err is not a domain error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// Sentinels for errors.Is comparisons.
var (
	ErrZeroAmount                = &Error{Code: CodeZeroAmount}
	ErrZeroSize                  = &Error{Code: CodeZeroSize}
	ErrInvalidLeverage           = &Error{Code: CodeInvalidLeverage}
	ErrInvalidParameter          = &Error{Code: CodeInvalidParameter}
	ErrInvalidPrice              = &Error{Code: CodeInvalidPrice}
	ErrUnauthorized              = &Error{Code: CodeUnauthorized}
	ErrPositionNotOpen           = &Error{Code: CodePositionNotOpen}
	ErrPositionNotLiquidatable   = &Error{Code: CodePositionNotLiquidatable}
	ErrFundingIntervalNotElapsed = &Error{Code: CodeFundingIntervalNotElapsed}
	ErrProtocolPaused            = &Error{Code: CodeProtocolPaused}
	ErrAlreadyInitialized        = &Error{Code: CodeAlreadyInitialized}
	ErrNotInitialized            = &Error{Code: CodeNotInitialized}
	ErrAccountNotFound           = &Error{Code: CodeAccountNotFound}
	ErrInsufficientMargin        = &Error{Code: CodeInsufficientMargin}
	ErrInsufficientBalance       = &Error{Code: CodeInsufficientBalance}
	ErrOracleStale               = &Error{Code: CodeOracleStale}
	ErrOracleInvalidPrice        = &Error{Code: CodeOracleInvalidPrice}
	ErrMathOverflow              = &Error{Code: CodeMathOverflow}
)
