package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/odflow/internal/idempotency"
	"github.com/pitabwire/odflow/internal/observability"
	"github.com/pitabwire/odflow/internal/workflow"
	"github.com/pitabwire/odflow/model"
)

const approvalSuffix = "-approval"

// decisionBody is the payload of POST /submissions/{type}/{id}/{stage}-approval.
// Decision, when present, wins over Approved.
type decisionBody struct {
	Approved *bool  `json:"approved"`
	Comments string `json:"comments"`
	Decision string `json:"decision,omitempty"`
}

func (b decisionBody) decision() (model.Decision, error) {
	if b.Decision != "" {
		d := model.Decision(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(b.Decision), "-", "_")))
		if !d.Valid() {
			return "", model.NewBadRequestError(fmt.Sprintf("unknown decision %q", b.Decision))
		}
		return d, nil
	}
	if b.Approved == nil {
		return "", model.NewBadRequestError("approved or decision is required")
	}
	if *b.Approved {
		return model.DecisionApprove, nil
	}
	return model.DecisionReject, nil
}

type resubmitBody struct {
	UpdatedFields workflow.UpdateFields `json:"updatedFields"`
}

func handleSubmissionCreate(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requireRequestContext(w, r)
		if !ok {
			return
		}
		subType, err := pathType(r)
		if err != nil {
			writeError(w, r, err)
			return
		}

		var in workflow.CreateInput
		if err := decodeBody(r, &in); err != nil {
			writeError(w, r, err)
			return
		}

		key := strings.TrimSpace(r.Header.Get("X-Idempotency-Key"))
		var idemKey, inputHash string
		if key != "" && deps.Idempotency != nil {
			idemKey = idempotency.Key(rctx.SubjectID, subType, key)
			if inputHash, err = idempotency.HashInput(in); err != nil {
				writeError(w, r, err)
				return
			}
			cached, found, err := deps.Idempotency.Check(r.Context(), idemKey, inputHash)
			if err != nil {
				writeError(w, r, err)
				return
			}
			if found {
				deps.Recorder.RecordIdempotentReplay()
				w.Header().Set("X-Idempotent-Replay", "true")
				WriteJSON(w, http.StatusCreated, cached)
				return
			}
		}

		sub, err := deps.Engine.Create(r.Context(), rctx, subType, in)
		if err != nil {
			writeError(w, r, err)
			return
		}

		if idemKey != "" {
			if err := deps.Idempotency.Save(r.Context(), idemKey, inputHash, sub, deps.Config.Idempotency.TTL); err != nil {
				observability.RequestLogger(r.Context(), deps.Logger).Warn("idempotency save failed",
					zap.String("submission_id", sub.ID),
					zap.Error(err),
				)
			}
		}
		WriteJSON(w, http.StatusCreated, sub)
	}
}

func handleSubmissionList(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requireRequestContext(w, r)
		if !ok {
			return
		}

		filters, err := submissionFilters(r)
		if err != nil {
			writeError(w, r, err)
			return
		}

		summaries, totalCount, err := deps.Engine.List(r.Context(), rctx, filters)
		if err != nil {
			writeError(w, r, err)
			return
		}

		WriteJSON(w, http.StatusOK, map[string]any{
			"data":        summaries,
			"total_count": totalCount,
			"page":        filters.Page,
			"page_size":   filters.PageSize,
		})
	}
}

func handleSubmissionPending(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requireRequestContext(w, r)
		if !ok {
			return
		}

		summaries, err := deps.Engine.Pending(r.Context(), rctx)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if summaries == nil {
			summaries = []model.SubmissionSummary{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":        summaries,
			"total_count": len(summaries),
		})
	}
}

func handleSubmissionGet(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requireRequestContext(w, r)
		if !ok {
			return
		}
		subType, err := pathType(r)
		if err != nil {
			writeError(w, r, err)
			return
		}

		sub, err := deps.Engine.Get(r.Context(), rctx, subType, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, sub)
	}
}

func handleSubmissionSubmit(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requireRequestContext(w, r)
		if !ok {
			return
		}
		subType, err := pathType(r)
		if err != nil {
			writeError(w, r, err)
			return
		}

		sub, err := deps.Engine.Submit(r.Context(), rctx, subType, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, sub)
	}
}

func handleSubmissionResubmit(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requireRequestContext(w, r)
		if !ok {
			return
		}
		subType, err := pathType(r)
		if err != nil {
			writeError(w, r, err)
			return
		}

		var body resubmitBody
		if err := decodeBody(r, &body); err != nil {
			writeError(w, r, err)
			return
		}

		sub, err := deps.Engine.Resubmit(r.Context(), rctx, subType, chi.URLParam(r, "id"), body.UpdatedFields)
		if err != nil {
			writeError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, sub)
	}
}

// handleStageDecision serves /{stage}-approval. Stage slugs are accepted in
// either form: "class-advisor-approval" or "CLASS_ADVISOR-approval".
func handleStageDecision(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requireRequestContext(w, r)
		if !ok {
			return
		}
		subType, err := pathType(r)
		if err != nil {
			writeError(w, r, err)
			return
		}

		action := chi.URLParam(r, "action")
		if !strings.HasSuffix(strings.ToLower(action), approvalSuffix) {
			writeError(w, r, model.NewNotFoundError(fmt.Sprintf("unknown action %q", action)))
			return
		}
		slug := action[:len(action)-len(approvalSuffix)]
		stage, ok := model.ParseStage(slug)
		if !ok {
			writeError(w, r, model.NewInvalidStageError(subType, model.Stage(slug)))
			return
		}

		var body decisionBody
		if err := decodeBody(r, &body); err != nil {
			writeError(w, r, err)
			return
		}
		decision, err := body.decision()
		if err != nil {
			writeError(w, r, err)
			return
		}

		sub, err := deps.Engine.Decide(r.Context(), rctx, workflow.DecideInput{
			SubmissionID: chi.URLParam(r, "id"),
			Type:         subType,
			Stage:        stage,
			Decision:     decision,
			Comments:     body.Comments,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, sub)
	}
}

// --- helpers ---

func requireRequestContext(w http.ResponseWriter, r *http.Request) (*model.RequestContext, bool) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		writeError(w, r, model.NewUnauthorizedError("missing request context"))
		return nil, false
	}
	return rctx, true
}

func pathType(r *http.Request) (model.SubmissionType, error) {
	raw := chi.URLParam(r, "type")
	t, ok := model.ParseSubmissionType(raw)
	if !ok {
		return "", model.NewNotFoundError(fmt.Sprintf("unknown submission type %q", raw))
	}
	return t, nil
}

// decodeBody decodes a JSON request body. An empty body decodes to the zero
// value.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		return model.NewBadRequestError("invalid JSON body")
	}
	return nil
}

func submissionFilters(r *http.Request) (model.SubmissionFilters, error) {
	q := r.URL.Query()
	filters := model.SubmissionFilters{
		Page:     queryInt(r, "page", 1),
		PageSize: queryInt(r, "page_size", 20),
	}
	if v := q.Get("type"); v != "" {
		t, ok := model.ParseSubmissionType(v)
		if !ok {
			return filters, model.NewBadRequestError(fmt.Sprintf("unknown submission type %q", v))
		}
		filters.Type = t
	}
	if v := q.Get("stage"); v != "" {
		s, ok := model.ParseStage(v)
		if !ok {
			return filters, model.NewBadRequestError(fmt.Sprintf("unknown stage %q", v))
		}
		filters.Stage = s
	}
	if v := q.Get("status"); v != "" {
		filters.Status = model.SubmissionStatus(strings.ToUpper(strings.ReplaceAll(v, "-", "_")))
	}
	return filters, nil
}

// queryInt extracts an integer query param with a default.
func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
