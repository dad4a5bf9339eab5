package middleware

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	apperrors "github.com/3leaps/clipforge/internal/errors"
)

// ErrorResponse is the JSON envelope written on failures.
type ErrorResponse = apperrors.HTTPErrorResponse

// Recovery converts handler panics into a 500 envelope. The panic value is
// logged with the stack and never sent to the client.
func Recovery(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Error("Recovered from handler panic",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.String("request_id", GetRequestID(r)),
					zap.String("panic", fmt.Sprint(rec)),
					zap.Stack("stack"),
				)
				apperrors.WriteError(w, r, http.StatusInternalServerError, apperrors.CodeInternal, "internal server error", nil)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
