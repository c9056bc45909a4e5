package middleware

import (
	"net/http"

	"github.com/go-playground/validator/v10"

	apierrors "github.com/anthropics/reloadcore/internal/api/errors"
)

var validate = validator.New()

// maxRequestBody caps control-surface request bodies. Reload triggers
// carry at most a file list, so anything near this bound is abuse.
const maxRequestBody = 1 << 20

// ValidationMiddleware guards body-carrying control requests: the body
// must be JSON and under 1 MiB. Field-level validation happens in the
// handlers via ValidateStruct once the body is decoded.
func ValidationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodDelete || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		if ct := r.Header.Get("Content-Type"); ct != "" && ct != "application/json" {
			writeValidationError(w, r, "Content-Type must be application/json")
			return
		}

		if r.ContentLength > maxRequestBody {
			writeValidationError(w, r, "request body too large (max 1MB)")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
		next.ServeHTTP(w, r)
	})
}

// ValidateStruct runs go-playground/validator tags over s.
//
// Example in a handler:
//
//	type triggerRequest struct {
//	    SpecificFiles []string `json:"specific_files" validate:"omitempty,dive,min=1"`
//	}
//
//	if err := middleware.ValidateStruct(req); err != nil {
//	    details := middleware.FormatValidationErrors(err)
//	    ...
//	}
func ValidateStruct(s interface{}) error {
	return validate.Struct(s)
}

// FieldIssue is one field-level validation failure, shaped for the API
// error envelope's details list.
type FieldIssue struct {
	Field string `json:"field"`
	Issue string `json:"issue"`
	Hint  string `json:"hint,omitempty"`
}

// FormatValidationErrors flattens validator.ValidationErrors into
// FieldIssue values; non-validator errors yield an empty slice.
func FormatValidationErrors(err error) []FieldIssue {
	var issues []FieldIssue

	if verrs, ok := err.(validator.ValidationErrors); ok {
		for _, e := range verrs {
			issues = append(issues, FieldIssue{
				Field: e.Field(),
				Issue: e.Tag(),
				Hint:  validationHint(e),
			})
		}
	}

	return issues
}

func validationHint(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "this field is required"
	case "min":
		return "must be at least " + e.Param()
	case "max":
		return "must be at most " + e.Param()
	case "oneof":
		return "must be one of: " + e.Param()
	default:
		return "validation failed: " + e.Tag()
	}
}

func writeValidationError(w http.ResponseWriter, r *http.Request, message string) {
	apierrors.WriteError(w, apierrors.ValidationError(message).WithRequestID(GetRequestID(r.Context())))
}
