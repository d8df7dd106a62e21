package transport

import (
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/pitabwire/odflow/internal/observability"
	"github.com/pitabwire/odflow/model"
)

type switchRoleBody struct {
	TargetRole         string `json:"targetRole"`
	TargetDepartmentID string `json:"targetDepartmentId,omitempty"`
}

func handleSwitchRole(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requireRequestContext(w, r)
		if !ok {
			return
		}

		var body switchRoleBody
		if err := decodeBody(r, &body); err != nil {
			writeError(w, r, err)
			return
		}
		if strings.TrimSpace(body.TargetRole) == "" {
			writeError(w, r, model.NewBadRequestError("targetRole is required"))
			return
		}
		target, ok := model.ParseRole(body.TargetRole)
		if !ok {
			writeError(w, r, model.NewBadRequestError(fmt.Sprintf("unknown role %q", body.TargetRole)))
			return
		}

		eff, err := deps.Overlay.Start(r.Context(), rctx, target, strings.TrimSpace(body.TargetDepartmentID))
		if err != nil {
			writeError(w, r, err)
			return
		}
		if deps.CapabilityResolver != nil {
			deps.CapabilityResolver.Invalidate(rctx.SubjectID)
		}
		deps.Recorder.RecordSimulation("switch", string(eff.Role))
		observability.RequestLogger(r.Context(), deps.Logger).Info("role simulation started",
			zap.String("role", string(eff.Role)),
			zap.String("simulated_department_id", eff.DepartmentID),
		)
		WriteJSON(w, http.StatusOK, eff)
	}
}

func handleResetRole(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requireRequestContext(w, r)
		if !ok {
			return
		}

		eff, err := deps.Overlay.Reset(r.Context(), rctx)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if deps.CapabilityResolver != nil {
			deps.CapabilityResolver.Invalidate(rctx.SubjectID)
		}
		deps.Recorder.RecordSimulation("reset", string(eff.Role))
		observability.RequestLogger(r.Context(), deps.Logger).Info("role simulation reset")
		WriteJSON(w, http.StatusOK, eff)
	}
}

func handleEffectiveRole(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requireRequestContext(w, r)
		if !ok {
			return
		}

		eff, err := deps.Overlay.Resolve(r.Context(), rctx)
		if err != nil {
			writeError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, eff)
	}
}
