// Package policy holds the stage policy table: for each submission type, the
// ordered approval stages, the roles that may decide at each one, and whether
// the decision is limited to the submission's own department.
package policy

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"

	"github.com/pitabwire/odflow/model"
)

// Table is an immutable, read-only mapping from submission type to its ordered
// stage policies. It is safe for concurrent use.
type Table struct {
	types    map[model.SubmissionType][]model.StagePolicy
	checksum string
}

// New builds a Table from the given sequences. The input is copied.
func New(types map[model.SubmissionType][]model.StagePolicy) *Table {
	t := &Table{types: make(map[model.SubmissionType][]model.StagePolicy, len(types))}
	var parts []string
	for typ, stages := range types {
		cp := make([]model.StagePolicy, len(stages))
		for i, sp := range stages {
			sp.AuthorizedRoles = append([]model.Role(nil), sp.AuthorizedRoles...)
			cp[i] = sp
			parts = append(parts, fmt.Sprintf("%s/%d/%s/%v/%t", typ, i, sp.Stage, sp.AuthorizedRoles, sp.DepartmentScoped))
		}
		t.types[typ] = cp
	}
	sort.Strings(parts)
	t.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(strings.Join(parts, ";"))))
	return t
}

func stage(s model.Stage, scoped bool) model.StagePolicy {
	return model.StagePolicy{
		Stage:            s,
		AuthorizedRoles:  []model.Role{model.Role(s)},
		DepartmentScoped: scoped,
	}
}

// Default returns the built-in institution policy. On-duty requests climb to
// the principal; participation proofs stop at the head of department. Every
// stage below the principal is department scoped.
func Default() *Table {
	return New(map[model.SubmissionType][]model.StagePolicy{
		model.TypeOnDutyRequest: {
			stage(model.StageMentor, true),
			stage(model.StageClassAdvisor, true),
			stage(model.StageInnovationCoordinator, true),
			stage(model.StageHOD, true),
			stage(model.StagePrincipal, false),
		},
		model.TypeParticipationProof: {
			stage(model.StageMentor, true),
			stage(model.StageClassAdvisor, true),
			stage(model.StageInnovationCoordinator, true),
			stage(model.StageHOD, true),
		},
	})
}

// Checksum identifies the table contents. Two tables with the same sequences
// have the same checksum.
func (t *Table) Checksum() string {
	return t.checksum
}

// Types returns the configured submission types in sorted order.
func (t *Table) Types() []model.SubmissionType {
	out := make([]model.SubmissionType, 0, len(t.types))
	for typ := range t.types {
		out = append(out, typ)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// StagesFor returns the ordered stage policies for a type.
func (t *Table) StagesFor(typ model.SubmissionType) ([]model.StagePolicy, error) {
	stages, ok := t.types[typ]
	if !ok {
		return nil, model.NewBadRequestError(fmt.Sprintf("unknown submission type %q", typ))
	}
	return stages, nil
}

// Lookup returns the policy for one stage of a type. A stage outside the
// type's sequence yields INVALID_STAGE.
func (t *Table) Lookup(typ model.SubmissionType, s model.Stage) (model.StagePolicy, error) {
	stages, err := t.StagesFor(typ)
	if err != nil {
		return model.StagePolicy{}, err
	}
	for _, sp := range stages {
		if sp.Stage == s {
			return sp, nil
		}
	}
	return model.StagePolicy{}, model.NewInvalidStageError(typ, s)
}

// IndexOf returns the position of s in the type's sequence, or -1.
func (t *Table) IndexOf(typ model.SubmissionType, s model.Stage) int {
	for i, sp := range t.types[typ] {
		if sp.Stage == s {
			return i
		}
	}
	return -1
}

// First returns the opening stage of a type's sequence.
func (t *Table) First(typ model.SubmissionType) (model.Stage, bool) {
	stages := t.types[typ]
	if len(stages) == 0 {
		return "", false
	}
	return stages[0].Stage, true
}

// Next returns the stage after s. The second value is false when s is the
// final stage or not in the sequence.
func (t *Table) Next(typ model.SubmissionType, s model.Stage) (model.Stage, bool) {
	i := t.IndexOf(typ, s)
	stages := t.types[typ]
	if i < 0 || i+1 >= len(stages) {
		return "", false
	}
	return stages[i+1].Stage, true
}

// ValidEntry reports whether a submission of this type may enter the
// sequence at s instead of the first stage.
func (t *Table) ValidEntry(typ model.SubmissionType, s model.Stage) bool {
	return t.IndexOf(typ, s) >= 0
}

// Path returns the stages a submission entering at entry must pass, in order.
// An empty entry means the full sequence.
func (t *Table) Path(typ model.SubmissionType, entry model.Stage) []model.Stage {
	stages := t.types[typ]
	start := 0
	if entry != "" {
		start = t.IndexOf(typ, entry)
		if start < 0 {
			return nil
		}
	}
	out := make([]model.Stage, 0, len(stages)-start)
	for _, sp := range stages[start:] {
		out = append(out, sp.Stage)
	}
	return out
}

// StagesForRole returns every stage of the type at which role may decide.
func (t *Table) StagesForRole(typ model.SubmissionType, role model.Role) []model.StagePolicy {
	var out []model.StagePolicy
	for _, sp := range t.types[typ] {
		if Authorizes(sp, role) {
			out = append(out, sp)
		}
	}
	return out
}

// ScopedRoles returns the roles that decide at one or more department-scoped
// stages. Simulating such a role needs a target department.
func (t *Table) ScopedRoles() map[model.Role]bool {
	out := make(map[model.Role]bool)
	for _, stages := range t.types {
		for _, sp := range stages {
			if !sp.DepartmentScoped {
				continue
			}
			for _, r := range sp.AuthorizedRoles {
				out[r] = true
			}
		}
	}
	return out
}

// Authorizes reports whether role may decide at the stage.
func Authorizes(sp model.StagePolicy, role model.Role) bool {
	for _, r := range sp.AuthorizedRoles {
		if r == role {
			return true
		}
	}
	return false
}
