// Package openapi holds the published HTTP contract of the service and
// validates request bodies against its schemas.
package openapi

import (
	"context"
	_ "embed"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/pitabwire/odflow/model"
)

//go:embed api.yaml
var contractYAML []byte

// Operation is one indexed route of the contract.
type Operation struct {
	OperationID  string
	Method       string
	PathTemplate string
	Parameters   []*openapi3.Parameter
	RequestBody  *openapi3.RequestBody
}

// Contract is the loaded API document indexed by operationId.
type Contract struct {
	operations map[string]Operation
}

// Load parses and validates the embedded contract.
func Load() (*Contract, error) {
	return LoadData(contractYAML)
}

// LoadData parses and validates a contract document.
func LoadData(data []byte) (*Contract, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromData(data)
	if err != nil {
		return nil, fmt.Errorf("openapi: loading contract: %w", err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("openapi: validating contract: %w", err)
	}

	c := &Contract{operations: make(map[string]Operation)}
	for path, item := range doc.Paths.Map() {
		for method, op := range item.Operations() {
			if op.OperationID == "" {
				continue
			}
			params := make([]*openapi3.Parameter, 0, len(item.Parameters)+len(op.Parameters))
			for _, ref := range item.Parameters {
				if ref.Value != nil {
					params = append(params, ref.Value)
				}
			}
			for _, ref := range op.Parameters {
				if ref.Value != nil {
					params = append(params, ref.Value)
				}
			}
			var body *openapi3.RequestBody
			if op.RequestBody != nil {
				body = op.RequestBody.Value
			}
			c.operations[op.OperationID] = Operation{
				OperationID:  op.OperationID,
				Method:       method,
				PathTemplate: path,
				Parameters:   params,
				RequestBody:  body,
			}
		}
	}
	return c, nil
}

// Operation returns the indexed operation for operationID.
func (c *Contract) Operation(operationID string) (Operation, bool) {
	op, ok := c.operations[operationID]
	return op, ok
}

// OperationIDs returns every operationId in the contract, sorted.
func (c *Contract) OperationIDs() []string {
	ids := make([]string, 0, len(c.operations))
	for id := range c.operations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ValidateBody checks body against the JSON request schema of operationID.
// Operations without a request body accept anything.
func (c *Contract) ValidateBody(operationID string, body map[string]any) []model.FieldError {
	op, ok := c.operations[operationID]
	if !ok {
		return []model.FieldError{{Code: "UNKNOWN_OPERATION", Message: fmt.Sprintf("operation %s not found", operationID)}}
	}
	if op.RequestBody == nil {
		return nil
	}
	media := op.RequestBody.Content.Get("application/json")
	if media == nil || media.Schema == nil || media.Schema.Value == nil {
		return nil
	}

	err := media.Schema.Value.VisitJSON(body, openapi3.MultiErrors())
	if err == nil {
		return nil
	}
	return fieldErrors(err)
}

// BodyRequired reports whether operationID declares a required request body.
func (c *Contract) BodyRequired(operationID string) bool {
	op, ok := c.operations[operationID]
	return ok && op.RequestBody != nil && op.RequestBody.Required
}

// Handler serves the raw contract document.
func (c *Contract) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(contractYAML)
	}
}

func fieldErrors(err error) []model.FieldError {
	var out []model.FieldError
	var walk func(error)
	walk = func(err error) {
		switch e := err.(type) {
		case openapi3.MultiError:
			for _, inner := range e {
				walk(inner)
			}
		case *openapi3.SchemaError:
			out = append(out, model.FieldError{
				Field:   strings.Join(e.JSONPointer(), "."),
				Code:    schemaCode(e.SchemaField),
				Message: e.Reason,
			})
		default:
			out = append(out, model.FieldError{Code: "INVALID", Message: err.Error()})
		}
	}
	walk(err)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}

func schemaCode(field string) string {
	switch field {
	case "required", "minLength":
		return "REQUIRED"
	case "type":
		return "TYPE_MISMATCH"
	case "maxLength":
		return "TOO_LONG"
	case "pattern":
		return "PATTERN"
	default:
		return "INVALID"
	}
}
