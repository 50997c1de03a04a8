package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	allowancedomain "github.com/smallbiznis/memora/internal/allowance/domain"
	jobdomain "github.com/smallbiznis/memora/internal/analysisjob/domain"
	pricingdomain "github.com/smallbiznis/memora/internal/pricing/domain"
	"github.com/smallbiznis/memora/internal/ratelimit"
	"github.com/smallbiznis/memora/pkg/db"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return "validation error"
	}
	return "validation error: " + v.Errors[0].Code
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

// errorClass is one row of the status table; the first row whose errors
// match wins.
type errorClass struct {
	status  int
	kind    string
	message string
	errs    []error
	match   func(error) bool
}

func (e errorClass) matches(err error) bool {
	for _, target := range e.errs {
		if errors.Is(err, target) {
			return true
		}
	}
	return e.match != nil && e.match(err)
}

var errorClasses = []errorClass{
	{
		status: http.StatusUnauthorized, kind: "unauthenticated", message: "authentication required",
		errs: []error{ErrUnauthenticated},
	},
	{
		status: http.StatusForbidden, kind: "unauthorized", message: "caller does not own this resource",
		errs: []error{ErrForbidden, jobdomain.ErrUnauthorized},
	},
	{
		status: http.StatusNotFound, kind: "not_found", message: "not found",
		errs: []error{ErrNotFound, jobdomain.ErrJobNotFound},
	},
	{
		status: http.StatusPaymentRequired, kind: "insufficient_allowance", message: "remaining allowance does not cover this analysis",
		errs: []error{jobdomain.ErrInsufficientAllowance},
	},
	{
		status: http.StatusTooManyRequests, kind: "rate_limited", message: "too many requests",
		errs: []error{ratelimit.ErrRateLimited},
	},
	{
		status: http.StatusServiceUnavailable, kind: "service_unavailable", message: "service unavailable",
		errs:  []error{ErrServiceUnavailable, jobdomain.ErrQueueUnavailable, allowancedomain.ErrGrantContention},
		match: db.IsPersistenceErr,
	},
}

var internalError = errorPayload{Type: "internal_error", Message: "internal server error"}

// ErrorHandlingMiddleware renders the last handler error as the JSON envelope
// unless the handler already wrote a response.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		last := c.Errors.Last()
		if last == nil || c.Writer.Written() {
			return
		}
		status, payload := mapError(last.Err)
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{Errors: []ValidationError{{Field: field, Code: code, Message: message}}}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, internalError
	}
	if details := validationDetails(err); details != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  details,
		}
	}
	for _, class := range errorClasses {
		if class.matches(err) {
			return class.status, errorPayload{Type: class.kind, Message: class.message}
		}
	}
	return http.StatusInternalServerError, internalError
}

// classifyErrorForLog returns the envelope type and a stable code for the
// request log line.
func classifyErrorForLog(err error) (string, string) {
	if errors.Is(err, context.Canceled) {
		return "canceled", "context_canceled"
	}
	_, payload := mapError(err)
	if len(payload.Errors) > 0 {
		return payload.Type, payload.Errors[0].Code
	}
	return payload.Type, payload.Type
}

func validationDetails(err error) []ValidationError {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr.Errors
	}
	if !isValidationError(err) {
		return nil
	}
	code := validationErrorCode(err)
	field, message := describeValidationCode(code)
	return []ValidationError{{Field: field, Code: code, Message: message}}
}

func isValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) || errors.Is(err, pricingdomain.ErrValidation)
}

func validationErrorCode(err error) string {
	if errors.Is(err, ErrInvalidRequest) {
		return "invalid_request"
	}
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return err.Error()
}

type validationCode struct {
	field   string
	message string
}

var validationCodes = map[string]validationCode{
	"invalid_request":          {"request", "invalid request"},
	"unknown_standard":         {"standard", "standard is not supported"},
	"no_documents":             {"documents", "at least one document is required"},
	"zero_word_count":          {"documents", "documents contain no words"},
	"word_count_exceeds_limit": {"documents", "documents exceed the word limit for one analysis"},
	"unknown_plan":             {"plan_code", "plan is not offered"},
	"unknown_event_type":       {"type", "subscription event type is not supported"},
}

// describeValidationCode returns the request field and message for code.
// Codes of the form invalid_<field> name their field directly.
func describeValidationCode(code string) (string, string) {
	if known, ok := validationCodes[code]; ok {
		return known.field, known.message
	}
	if field, ok := strings.CutPrefix(code, "invalid_"); ok {
		return field, "invalid value"
	}
	return "", "invalid value"
}
