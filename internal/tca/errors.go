package tca

import (
	"errors"

	"github.com/goquant/slipstream/internal/book"
	"github.com/goquant/slipstream/internal/params"
)

// ErrModelTraining indicates a model refit failed (degenerate or singular
// data). The previous model state is kept; callers match with errors.Is.
var ErrModelTraining = errors.New("model training failed")

// Stable error codes carried on wire payloads.
const (
	CodeInvalidOrderbook  = "INVALID_ORDERBOOK"
	CodeEmptyOrderbook    = "EMPTY_ORDERBOOK"
	CodeInsufficientDepth = "INSUFFICIENT_DEPTH"
	CodeInvalidParameter  = "INVALID_PARAMETER_VALUE"
	CodeModelTraining     = "MODEL_TRAINING_ERROR"
	CodeInternal          = "INTERNAL_ERROR"
)

// CodeOf maps an error chain to its wire code.
func CodeOf(err error) string {
	switch {
	case errors.Is(err, book.ErrInvalidOrderbook):
		return CodeInvalidOrderbook
	case errors.Is(err, book.ErrEmptyOrderbook):
		return CodeEmptyOrderbook
	case errors.Is(err, book.ErrInsufficientDepth):
		return CodeInsufficientDepth
	case errors.Is(err, params.ErrInvalidParameterValue):
		return CodeInvalidParameter
	case errors.Is(err, ErrModelTraining):
		return CodeModelTraining
	default:
		return CodeInternal
	}
}

// ErrorInfo is the {code, message} payload embedded in results and events.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewErrorInfo builds the wire payload for an error chain.
func NewErrorInfo(err error) ErrorInfo {
	return ErrorInfo{Code: CodeOf(err), Message: err.Error()}
}
