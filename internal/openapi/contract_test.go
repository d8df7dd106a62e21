package openapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func loadTestContract(t *testing.T) *Contract {
	t.Helper()
	c, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return c
}

func TestContract_Load(t *testing.T) {
	c := loadTestContract(t)
	ids := c.OperationIDs()
	if len(ids) != 12 {
		t.Fatalf("OperationIDs() = %v (len %d), want 12 operations", ids, len(ids))
	}
}

func TestContract_Operation_with_path_params(t *testing.T) {
	c := loadTestContract(t)

	op, ok := c.Operation("decideStage")
	if !ok {
		t.Fatal("Operation(decideStage) not found")
	}
	if op.Method != "POST" {
		t.Errorf("Method = %q, want POST", op.Method)
	}
	if op.PathTemplate != "/submissions/{type}/{id}/{action}" {
		t.Errorf("PathTemplate = %q", op.PathTemplate)
	}
	if len(op.Parameters) != 3 {
		t.Errorf("len(Parameters) = %d, want 3", len(op.Parameters))
	}
	if !c.BodyRequired("decideStage") {
		t.Error("decideStage body should be required")
	}
}

func TestContract_Operation_not_found(t *testing.T) {
	c := loadTestContract(t)
	if _, ok := c.Operation("deleteEverything"); ok {
		t.Error("Operation(deleteEverything) should not be found")
	}
}

func TestContract_ValidateBody(t *testing.T) {
	c := loadTestContract(t)

	tests := []struct {
		name      string
		operation string
		body      map[string]any
		wantField string
		wantCode  string
	}{
		{"valid create", "createSubmission", map[string]any{"eventId": "hackathon-2026"}, "", ""},
		{"missing eventId", "createSubmission", map[string]any{"title": "x"}, "eventId", "REQUIRED"},
		{"eventId wrong type", "createSubmission", map[string]any{"eventId": float64(42)}, "eventId", "TYPE_MISMATCH"},
		{"proofUrl not http", "createSubmission", map[string]any{"eventId": "e", "proofUrl": "ftp://x"}, "proofUrl", "PATTERN"},
		{"nested resubmit field", "resubmitSubmission", map[string]any{"updatedFields": map[string]any{"eventId": ""}}, "updatedFields.eventId", "REQUIRED"},
		{"approved must be bool", "decideStage", map[string]any{"approved": "yes"}, "approved", "TYPE_MISMATCH"},
		{"missing targetRole", "switchRole", map[string]any{}, "targetRole", "REQUIRED"},
		{"no body schema", "submitSubmission", map[string]any{"anything": true}, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := c.ValidateBody(tt.operation, tt.body)
			if tt.wantField == "" {
				if len(errs) != 0 {
					t.Fatalf("ValidateBody() = %+v, want none", errs)
				}
				return
			}
			if len(errs) == 0 {
				t.Fatal("ValidateBody() returned no errors")
			}
			if errs[0].Field != tt.wantField || errs[0].Code != tt.wantCode {
				t.Errorf("first error = %+v, want field %q code %q", errs[0], tt.wantField, tt.wantCode)
			}
		})
	}
}

func TestContract_ValidateBody_unknown_operation(t *testing.T) {
	c := loadTestContract(t)
	errs := c.ValidateBody("nope", nil)
	if len(errs) != 1 || errs[0].Code != "UNKNOWN_OPERATION" {
		t.Errorf("ValidateBody(nope) = %+v", errs)
	}
}

func TestLoadData_rejects_invalid_document(t *testing.T) {
	if _, err := LoadData([]byte("openapi: 3.0.3\ninfo: {}\n")); err == nil {
		t.Error("LoadData() should reject a document without title, version and paths")
	}
}

func TestContract_Handler(t *testing.T) {
	c := loadTestContract(t)
	rec := httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest(http.MethodGet, "/openapi.yaml", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "operationId: decideStage") {
		t.Error("served document is missing decideStage")
	}
}
