package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/lifecycle/internal/idempotency"
	"github.com/pitabwire/lifecycle/internal/observability"
	"github.com/pitabwire/lifecycle/internal/workflow"
	"github.com/pitabwire/lifecycle/model"
)

// maxBodyBytes bounds request bodies on write endpoints.
const maxBodyBytes = 64 << 10

// IdempotencyKeyHeader carries the client's deduplication key on transition
// requests. ReplayHeader is set on responses served from the idempotency store.
const (
	IdempotencyKeyHeader = "X-Idempotency-Key"
	ReplayHeader         = "X-Idempotent-Replay"
)

// requestContext returns the caller identity, writing 401 when the auth chain
// did not run.
func requestContext(w http.ResponseWriter, r *http.Request) (*model.RequestContext, bool) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, model.NewUnauthorizedError("missing request context"))
		return nil, false
	}
	return rctx, true
}

func entityRef(r *http.Request, rctx *model.RequestContext) model.EntityRef {
	return model.EntityRef{
		EntityType:     chi.URLParam(r, "entityType"),
		EntityID:       chi.URLParam(r, "entityId"),
		OrganizationID: rctx.OrganizationID,
	}
}

// respondError writes err, stamping the envelope with the current trace ID.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	var ee *model.ErrorEnvelope
	if errors.As(err, &ee) {
		cp := *ee
		cp.TraceID = observability.TraceIDFromContext(r.Context())
		err = &cp
	}
	WriteError(w, err)
}

// decodeBody reads a bounded JSON body into dst. It returns the raw bytes for
// debug logging.
func decodeBody(r *http.Request, dst any) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, model.NewBadRequestError("unreadable request body")
	}
	if len(raw) > maxBodyBytes {
		return nil, model.NewBadRequestError("request body too large")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return nil, model.NewBadRequestError("invalid JSON body")
	}
	return raw, nil
}

func handleCreate(svc *workflow.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}

		var body struct {
			EntityID string `json:"entity_id"`
		}
		if _, err := decodeBody(r, &body); err != nil {
			respondError(w, r, err)
			return
		}
		if body.EntityID == "" {
			WriteValidationError(w, []model.FieldError{{Field: "entity_id", Code: "REQUIRED", Message: "entity_id is required"}})
			return
		}

		ref := model.EntityRef{
			EntityType:     chi.URLParam(r, "entityType"),
			EntityID:       body.EntityID,
			OrganizationID: rctx.OrganizationID,
		}
		entity, err := svc.Create(r.Context(), ref)
		if err != nil {
			respondError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, entity)
	}
}

type statusResponse struct {
	EntityType string      `json:"entity_type"`
	EntityID   string      `json:"entity_id"`
	Status     model.State `json:"status"`
}

func handleStatus(svc *workflow.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		ref := entityRef(r, rctx)

		status, err := svc.Status(r.Context(), ref)
		if err != nil {
			respondError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, statusResponse{EntityType: ref.EntityType, EntityID: ref.EntityID, Status: status})
	}
}

type transitionOption struct {
	TargetState     model.State `json:"target_state"`
	RequiresComment bool        `json:"requires_comment"`
}

func handleAvailableTransitions(svc *workflow.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		ref := entityRef(r, rctx)
		actor := rctx.Actor()

		current, err := svc.Status(r.Context(), ref)
		if err != nil {
			respondError(w, r, err)
			return
		}
		targets, err := svc.AvailableTransitions(ref.EntityType, current, actor)
		if err != nil {
			respondError(w, r, err)
			return
		}
		rules, err := svc.Rules(ref.EntityType)
		if err != nil {
			respondError(w, r, err)
			return
		}

		needsComment := make(map[model.State]bool, len(rules))
		for _, rule := range rules {
			if rule.From == current {
				needsComment[rule.To] = rule.RequiresComment
			}
		}
		options := make([]transitionOption, len(targets))
		for i, t := range targets {
			options[i] = transitionOption{TargetState: t, RequiresComment: needsComment[t]}
		}

		WriteJSON(w, http.StatusOK, map[string]any{
			"entity_type":   ref.EntityType,
			"entity_id":     ref.EntityID,
			"current_state": current,
			"acting_role":   actor.Role,
			"transitions":   options,
		})
	}
}

type transitionBody struct {
	CurrentState model.State `json:"current_state"`
	TargetState  model.State `json:"target_state"`
	Comment      string      `json:"comment"`
}

func (b transitionBody) validate() []model.FieldError {
	var errs []model.FieldError
	if b.CurrentState == "" {
		errs = append(errs, model.FieldError{Field: "current_state", Code: "REQUIRED", Message: "current_state is required"})
	}
	if b.TargetState == "" {
		errs = append(errs, model.FieldError{Field: "target_state", Code: "REQUIRED", Message: "target_state is required"})
	}
	return errs
}

func handleTransition(svc *workflow.Service, guard *idempotency.Guard, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		log := observability.LoggerFrom(r.Context(), logger)

		var body transitionBody
		raw, err := decodeBody(r, &body)
		if err != nil {
			respondError(w, r, err)
			return
		}
		if ce := log.Check(zap.DebugLevel, "transition request body"); ce != nil {
			var fields map[string]any
			if json.Unmarshal(raw, &fields) == nil {
				ce.Write(zap.Any("body", observability.RedactBody(fields, nil)))
			}
		}
		if errs := body.validate(); len(errs) > 0 {
			WriteValidationError(w, errs)
			return
		}

		req := model.TransitionRequest{
			Entity:       entityRef(r, rctx),
			CurrentState: body.CurrentState,
			TargetState:  body.TargetState,
			Actor:        rctx.Actor(),
			Comment:      body.Comment,
		}

		result, replayed, err := guard.Transition(r.Context(), r.Header.Get(IdempotencyKeyHeader), req, svc.Transition)
		if err != nil {
			respondError(w, r, err)
			return
		}
		if replayed {
			w.Header().Set(ReplayHeader, "true")
			log.Debug("transition served from idempotency store",
				zap.String("entity_id", req.Entity.EntityID),
				zap.String("audit_id", result.AuditID),
			)
		}
		WriteJSON(w, http.StatusOK, result)
	}
}

func handleHistory(svc *workflow.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		ref := entityRef(r, rctx)

		entries, err := svc.History(r.Context(), ref)
		if err != nil {
			respondError(w, r, err)
			return
		}
		if entries == nil {
			entries = []model.AuditEntry{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"entity_type": ref.EntityType,
			"entity_id":   ref.EntityID,
			"entries":     entries,
		})
	}
}

// handleVerify replays the audit trail against the stored status. Drift is
// reported as INTEGRITY_VIOLATION.
func handleVerify(svc *workflow.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		ref := entityRef(r, rctx)

		status, err := svc.Verify(r.Context(), ref)
		if err != nil {
			respondError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"entity_type": ref.EntityType,
			"entity_id":   ref.EntityID,
			"status":      status,
			"consistent":  true,
		})
	}
}

// DefinitionSource exposes the loaded entity type definitions.
type DefinitionSource interface {
	EntityTypes() []string
	Definition(entityType string) (model.EntityDefinition, bool)
}

func handleListEntityTypes(defs DefinitionSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		type summary struct {
			EntityType   string `json:"entity_type"`
			Version      string `json:"version"`
			Label        string `json:"label,omitempty"`
			InitialState string `json:"initial_state"`
		}
		types := defs.EntityTypes()
		out := make([]summary, 0, len(types))
		for _, t := range types {
			d, ok := defs.Definition(t)
			if !ok {
				continue
			}
			out = append(out, summary{EntityType: d.EntityType, Version: d.Version, Label: d.Label, InitialState: d.InitialState})
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": out})
	}
}

func handleRules(defs DefinitionSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entityType := chi.URLParam(r, "entityType")
		d, ok := defs.Definition(entityType)
		if !ok {
			WriteNotFound(w, fmt.Sprintf("entity type %q is not governed", entityType))
			return
		}
		WriteJSON(w, http.StatusOK, d)
	}
}
