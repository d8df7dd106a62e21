package model

import (
	"context"
	"testing"
)

func TestRequestContext_Validate(t *testing.T) {
	tests := []struct {
		name    string
		rc      *RequestContext
		wantErr bool
	}{
		{
			name:    "valid context",
			rc:      &RequestContext{SubjectID: "stu-1", Roles: []string{"STUDENT"}},
			wantErr: false,
		},
		{
			name:    "missing SubjectID",
			rc:      &RequestContext{Roles: []string{"STUDENT"}},
			wantErr: true,
		},
		{
			name:    "missing roles",
			rc:      &RequestContext{SubjectID: "stu-1"},
			wantErr: true,
		},
		{
			name:    "missing both",
			rc:      &RequestContext{},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rc.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRequestContext_HasRole(t *testing.T) {
	rc := &RequestContext{Roles: []string{"MENTOR", "CLASS_ADVISOR"}}
	if !rc.HasRole("MENTOR") {
		t.Error("HasRole(MENTOR) = false, want true")
	}
	if rc.HasRole("HOD") {
		t.Error("HasRole(HOD) = true, want false")
	}
}

func TestRequestContext_PrimaryRole(t *testing.T) {
	tests := []struct {
		name   string
		roles  []string
		want   Role
		wantOK bool
	}{
		{"single", []string{"MENTOR"}, RoleMentor, true},
		{"most senior wins", []string{"MENTOR", "hod", "CLASS_ADVISOR"}, RoleHOD, true},
		{"slug form", []string{"class-advisor"}, RoleClassAdvisor, true},
		{"admin outranks everything", []string{"PRINCIPAL", "ADMIN"}, RoleAdmin, true},
		{"unknown roles ignored", []string{"LIBRARIAN", "STUDENT"}, RoleStudent, true},
		{"no workflow role", []string{"LIBRARIAN"}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc := &RequestContext{Roles: tt.roles}
			got, ok := rc.PrimaryRole()
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("PrimaryRole() = (%q, %v), want (%q, %v)", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestRequestContext_Claim(t *testing.T) {
	rc := &RequestContext{Claims: map[string]any{"department_id": "cse"}}
	if got := rc.Claim("department_id"); got != "cse" {
		t.Errorf("Claim(department_id) = %v, want cse", got)
	}
	if got := rc.Claim("missing"); got != nil {
		t.Errorf("Claim(missing) = %v, want nil", got)
	}
	if got := (&RequestContext{}).Claim("any"); got != nil {
		t.Errorf("Claim(any) on nil claims = %v, want nil", got)
	}
}

func TestWithRequestContext_and_RequestContextFrom(t *testing.T) {
	rctx := &RequestContext{SubjectID: "stu-1"}
	ctx := WithRequestContext(context.Background(), rctx)
	if got := RequestContextFrom(ctx); got != rctx {
		t.Errorf("RequestContextFrom() = %v, want %v", got, rctx)
	}
	if got := RequestContextFrom(context.Background()); got != nil {
		t.Errorf("RequestContextFrom(empty context) = %v, want nil", got)
	}
}

func TestMustRequestContext_absent_panics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("MustRequestContext(empty context) did not panic")
		}
	}()
	MustRequestContext(context.Background())
}
