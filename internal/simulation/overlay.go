// Package simulation lets the super-role act as another workflow role for
// authorization purposes while its real identity stays on the audit trail.
package simulation

import (
	"context"
	"fmt"
	"time"

	"github.com/pitabwire/odflow/internal/policy"
	"github.com/pitabwire/odflow/model"
)

// DefaultTTL bounds how long a simulation lasts without being renewed.
const DefaultTTL = 8 * time.Hour

// Effective is the role and department an actor is authorized as.
type Effective struct {
	Role         model.Role `json:"role"`
	DepartmentID string     `json:"department_id,omitempty"`
	Simulated    bool       `json:"simulated"`
	RealRole     model.Role `json:"real_role"`
}

// Overlay resolves effective roles. It holds no per-actor state itself; all
// sessions live in the SessionStore.
type Overlay struct {
	store     SessionStore
	table     *policy.Table
	superRole model.Role
	ttl       time.Duration
}

// NewOverlay creates an Overlay. An empty superRole defaults to ADMIN and a
// zero ttl to DefaultTTL.
func NewOverlay(store SessionStore, table *policy.Table, superRole model.Role, ttl time.Duration) *Overlay {
	if superRole == "" {
		superRole = model.RoleAdmin
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Overlay{store: store, table: table, superRole: superRole, ttl: ttl}
}

// SuperRole returns the role allowed to simulate.
func (o *Overlay) SuperRole() model.Role {
	return o.superRole
}

func (o *Overlay) isSuper(rctx *model.RequestContext) bool {
	for _, raw := range rctx.Roles {
		if r, ok := model.ParseRole(raw); ok && r == o.superRole {
			return true
		}
	}
	return false
}

func (o *Overlay) real(rctx *model.RequestContext) (Effective, error) {
	role, ok := rctx.PrimaryRole()
	if !ok {
		return Effective{}, model.NewForbiddenError("no workflow role assigned")
	}
	if o.isSuper(rctx) {
		role = o.superRole
	}
	return Effective{Role: role, DepartmentID: rctx.DepartmentID, RealRole: role}, nil
}

// Resolve returns the role the actor is authorized as. Sessions are honoured
// only while the actor still holds the super-role.
func (o *Overlay) Resolve(ctx context.Context, rctx *model.RequestContext) (Effective, error) {
	eff, err := o.real(rctx)
	if err != nil {
		return Effective{}, err
	}
	if !o.isSuper(rctx) {
		return eff, nil
	}

	sess, found, err := o.store.Get(ctx, SessionKey(rctx.SubjectID, rctx.SessionID))
	if err != nil {
		return Effective{}, fmt.Errorf("resolving simulation: %w", err)
	}
	if !found {
		return eff, nil
	}
	return Effective{
		Role:         sess.Role,
		DepartmentID: sess.DepartmentID,
		Simulated:    true,
		RealRole:     eff.RealRole,
	}, nil
}

// Start begins acting as target. Department-scoped roles need a department.
// Switching to the super-role itself is the same as Reset.
func (o *Overlay) Start(ctx context.Context, rctx *model.RequestContext, target model.Role, departmentID string) (Effective, error) {
	if !o.isSuper(rctx) {
		return Effective{}, model.NewForbiddenSimulationError(o.superRole)
	}
	if !model.IsKnownRole(target) {
		return Effective{}, model.NewBadRequestError(fmt.Sprintf("unknown role %q", target))
	}
	if target == o.superRole {
		return o.Reset(ctx, rctx)
	}
	if o.table.ScopedRoles()[target] && departmentID == "" {
		return Effective{}, model.NewMissingScopeError(target)
	}

	sess := Session{
		SubjectID:    rctx.SubjectID,
		SessionID:    rctx.SessionID,
		Role:         target,
		DepartmentID: departmentID,
		StartedAt:    time.Now().UTC(),
	}
	if err := o.store.Put(ctx, SessionKey(rctx.SubjectID, rctx.SessionID), sess, o.ttl); err != nil {
		return Effective{}, fmt.Errorf("starting simulation: %w", err)
	}
	return Effective{Role: target, DepartmentID: departmentID, Simulated: true, RealRole: o.superRole}, nil
}

// Reset returns the actor to its real role. It is a no-op when no
// simulation is active.
func (o *Overlay) Reset(ctx context.Context, rctx *model.RequestContext) (Effective, error) {
	if !o.isSuper(rctx) {
		return Effective{}, model.NewForbiddenSimulationError(o.superRole)
	}
	eff, err := o.real(rctx)
	if err != nil {
		return Effective{}, err
	}
	if err := o.store.Delete(ctx, SessionKey(rctx.SubjectID, rctx.SessionID)); err != nil {
		return Effective{}, fmt.Errorf("resetting simulation: %w", err)
	}
	return eff, nil
}
