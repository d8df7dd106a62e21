package capability

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/odflow/model"
)

type policyFile struct {
	Roles map[string][]string `yaml:"roles"`
}

// DefaultRoleCapabilities is used when no policy file is configured. Every
// reviewer may create submissions so that shortened-path requests can be
// raised on a student's behalf.
func DefaultRoleCapabilities() map[string][]string {
	reviewer := []string{
		model.CapSubmissionsCreate,
		model.CapSubmissionsView,
		model.CapSubmissionsReview,
	}
	return map[string][]string{
		string(model.RoleStudent):               {model.CapSubmissionsCreate, model.CapSubmissionsView},
		string(model.RoleMentor):                reviewer,
		string(model.RoleClassAdvisor):          reviewer,
		string(model.RoleInnovationCoordinator): reviewer,
		string(model.RoleHOD):                   reviewer,
		string(model.RolePrincipal):             reviewer,
		string(model.RoleAdmin):                 {"*"},
	}
}

// StaticPolicyEvaluator resolves capabilities from a static YAML file
// mapping roles to capability strings.
type StaticPolicyEvaluator struct {
	path   string
	mu     sync.RWMutex
	policy policyFile
}

// NewStaticPolicyEvaluator creates a new evaluator that loads policies from path.
func NewStaticPolicyEvaluator(path string) (*StaticPolicyEvaluator, error) {
	e := &StaticPolicyEvaluator{path: path}
	if err := e.Sync(); err != nil {
		return nil, err
	}
	return e, nil
}

// NewDefaultPolicyEvaluator returns an evaluator over DefaultRoleCapabilities.
func NewDefaultPolicyEvaluator() *StaticPolicyEvaluator {
	return &StaticPolicyEvaluator{policy: policyFile{Roles: DefaultRoleCapabilities()}}
}

// ResolveCapabilities returns the union of capabilities for all roles in the
// request context. Role names are matched in canonical form, so "hod" and
// "HOD" grant the same set.
func (e *StaticPolicyEvaluator) ResolveCapabilities(rctx *model.RequestContext) (model.CapabilitySet, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	caps := make(model.CapabilitySet)
	for _, raw := range rctx.Roles {
		role := raw
		if r, ok := model.ParseRole(raw); ok {
			role = string(r)
		}
		for _, c := range e.policy.Roles[role] {
			caps[c] = true
		}
	}
	return caps, nil
}

// Evaluate checks a single capability against the resolved set.
func (e *StaticPolicyEvaluator) Evaluate(rctx *model.RequestContext, capability string) (bool, error) {
	caps, err := e.ResolveCapabilities(rctx)
	if err != nil {
		return false, err
	}
	return caps.Has(capability), nil
}

// Sync reloads the policy file from disk. It is a no-op for the built-in
// default policy.
func (e *StaticPolicyEvaluator) Sync() error {
	if e.path == "" {
		return nil
	}
	data, err := os.ReadFile(e.path)
	if err != nil {
		return fmt.Errorf("capability: reading policy file %s: %w", e.path, err)
	}

	var p policyFile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("capability: parsing policy file %s: %w", e.path, err)
	}
	if len(p.Roles) == 0 {
		return fmt.Errorf("capability: policy file %s defines no roles", e.path)
	}

	e.mu.Lock()
	e.policy = p
	e.mu.Unlock()

	return nil
}
