package transport

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/pitabwire/odflow/internal/openapi"
	"github.com/pitabwire/odflow/model"
)

const maxBodyBytes = 1 << 20

// ValidateBody checks the JSON body of a request against the contract schema
// of operationID before the handler decodes it. A nil contract disables the
// check.
func ValidateBody(contract *openapi.Contract, operationID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if contract == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var raw []byte
			if r.Body != nil {
				var err error
				raw, err = io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
				if err != nil {
					writeError(w, r, model.NewBadRequestError("unreadable request body"))
					return
				}
				_ = r.Body.Close()
			}

			body := map[string]any{}
			if len(bytes.TrimSpace(raw)) > 0 {
				if err := json.Unmarshal(raw, &body); err != nil {
					writeError(w, r, model.NewBadRequestError("invalid JSON body"))
					return
				}
			} else if contract.BodyRequired(operationID) {
				writeError(w, r, model.NewBadRequestError("request body is required"))
				return
			}

			if errs := contract.ValidateBody(operationID, body); len(errs) > 0 {
				writeError(w, r, model.NewValidationError(errs))
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(raw))
			next.ServeHTTP(w, r)
		})
	}
}
