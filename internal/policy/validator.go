package policy

import (
	"fmt"

	"github.com/pitabwire/odflow/model"
)

// VError describes a single validation error in a policy table.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validate checks that every known submission type has a usable sequence:
// non-empty, no duplicate or sentinel stages, and only known roles.
func Validate(t *Table) []VError {
	var errs []VError

	for _, typ := range []model.SubmissionType{model.TypeOnDutyRequest, model.TypeParticipationProof} {
		if _, ok := t.types[typ]; !ok {
			errs = append(errs, VError{Path: "types." + string(typ), Code: "REQUIRED", Message: "sequence is required"})
		}
	}

	for _, typ := range t.Types() {
		prefix := "types." + string(typ)
		if parsed, ok := model.ParseSubmissionType(string(typ)); !ok || parsed != typ {
			errs = append(errs, VError{Path: prefix, Code: "UNKNOWN_TYPE", Message: fmt.Sprintf("unknown submission type %q", typ)})
			continue
		}
		stages := t.types[typ]
		if len(stages) == 0 {
			errs = append(errs, VError{Path: prefix, Code: "REQUIRED", Message: "at least one stage is required"})
			continue
		}
		seen := make(map[model.Stage]bool)
		for i, sp := range stages {
			sprefix := fmt.Sprintf("%s[%d]", prefix, i)
			errs = append(errs, validateStage(sprefix, sp, seen)...)
		}
	}

	return errs
}

func validateStage(prefix string, sp model.StagePolicy, seen map[model.Stage]bool) []VError {
	var errs []VError

	if parsed, ok := model.ParseStage(string(sp.Stage)); !ok || parsed != sp.Stage {
		errs = append(errs, VError{Path: prefix + ".stage", Code: "INVALID_STAGE", Message: fmt.Sprintf("%q is not a decidable stage", sp.Stage)})
	} else if seen[sp.Stage] {
		errs = append(errs, VError{Path: prefix + ".stage", Code: "DUPLICATE", Message: fmt.Sprintf("stage %q appears more than once", sp.Stage)})
	}
	seen[sp.Stage] = true

	if len(sp.AuthorizedRoles) == 0 {
		errs = append(errs, VError{Path: prefix + ".roles", Code: "REQUIRED", Message: "at least one role is required"})
	}
	for j, r := range sp.AuthorizedRoles {
		if !model.IsKnownRole(r) {
			errs = append(errs, VError{Path: fmt.Sprintf("%s.roles[%d]", prefix, j), Code: "UNKNOWN_ROLE", Message: fmt.Sprintf("unknown role %q", r)})
		} else if r == model.RoleStudent {
			errs = append(errs, VError{Path: fmt.Sprintf("%s.roles[%d]", prefix, j), Code: "INVALID_ROLE", Message: "students cannot approve submissions"})
		}
	}

	return errs
}
