package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ledgerline/gatehouse/internal/domain"
	"github.com/ledgerline/gatehouse/internal/evaluator"
	"github.com/ledgerline/gatehouse/internal/registry"
	"github.com/ledgerline/gatehouse/internal/requirements"
	"github.com/ledgerline/gatehouse/internal/store"
)

// Notifier broadcasts flag changes to other engine instances. Optional.
type Notifier interface {
	PublishFlagChange(ctx context.Context, flagName string) error
}

// Management is the operator-facing read/write surface over the flag
// store. Writes validate invariants, update the registry, and invalidate
// affected requirements cache entries.
type Management struct {
	store    store.FlagStore
	registry *registry.Registry
	provider *requirements.Provider
	notifier Notifier
	logger   *zap.Logger
}

// NewManagement creates the management surface.
func NewManagement(flagStore store.FlagStore, reg *registry.Registry, provider *requirements.Provider, logger *zap.Logger) *Management {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Management{
		store:    flagStore,
		registry: reg,
		provider: provider,
		logger:   logger,
	}
}

// SetNotifier wires an optional cross-instance change notifier.
func (m *Management) SetNotifier(n Notifier) { m.notifier = n }

// Router builds the management HTTP routes.
func (m *Management) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/healthz", m.handleHealth)

	r.Get("/flags", m.handleListFlags)
	r.Get("/flags/{name}", m.handleGetFlag)
	r.Put("/flags/{name}", m.handlePutFlag)
	r.Get("/flags/{name}/requirements", m.handleGetFlagRequirements)
	r.Put("/flags/{name}/requirements", m.handlePutFlagRequirements)

	r.Get("/requirements", m.handleGetRequirements)
	r.Put("/requirements", m.handlePutRequirements)

	r.Get("/admin/stats", m.handleStats)
	r.Post("/admin/invalidate", m.handleInvalidate)
	r.Post("/admin/invalidate-all", m.handleInvalidateAll)
	r.Post("/admin/refresh", m.handleRefresh)

	return r
}

type flagPayload struct {
	Name      string          `json:"name"`
	Kind      domain.Kind     `json:"kind"`
	Value     json.RawMessage `json:"value"`
	Condition string          `json:"condition,omitempty"`
	CreatedAt time.Time       `json:"created_at,omitempty"`
	UpdatedAt time.Time       `json:"updated_at,omitempty"`
}

type bindingPayload struct {
	OperationKey  string   `json:"operation_key"`
	Scope         string   `json:"scope,omitempty"`
	RequiredFlags []string `json:"required_flags"`
}

func (m *Management) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (m *Management) handleListFlags(w http.ResponseWriter, r *http.Request) {
	flags, err := m.store.LoadAllFlags(r.Context())
	if err != nil {
		m.writeError(w, r, err)
		return
	}

	items := make([]flagPayload, 0, len(flags))
	for i := range flags {
		payload, err := toFlagPayload(&flags[i])
		if err != nil {
			m.writeError(w, r, err)
			return
		}
		items = append(items, payload)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (m *Management) handleGetFlag(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	flag, err := m.store.GetFlag(r.Context(), name)
	if err != nil {
		m.writeError(w, r, err)
		return
	}

	payload, err := toFlagPayload(flag)
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (m *Management) handlePutFlag(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var body flagPayload
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		m.writeError(w, r, domain.NewValidationErrorWithCause("invalid flag payload", err))
		return
	}

	flag := domain.Flag{Name: name, Kind: body.Kind, Condition: body.Condition}
	if !domain.ValidKind(flag.Kind) {
		m.writeError(w, r, domain.NewValidationError("unknown flag kind: "+string(body.Kind)))
		return
	}
	if err := flag.UnmarshalValue(body.Value); err != nil {
		m.writeError(w, r, err)
		return
	}
	if flag.Condition != "" {
		if _, err := evaluator.CompileCondition(flag.Condition); err != nil {
			m.writeError(w, r, domain.NewValidationErrorWithCause("invalid condition", err))
			return
		}
	}
	if err := flag.Validate(); err != nil {
		m.writeError(w, r, err)
		return
	}

	if err := m.store.UpsertFlag(r.Context(), flag); err != nil {
		m.writeError(w, r, err)
		return
	}

	stored, err := m.store.GetFlag(r.Context(), name)
	if err != nil {
		m.writeError(w, r, err)
		return
	}

	m.ApplyFlagChange(r.Context(), *stored)

	payload, err := toFlagPayload(stored)
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (m *Management) handleGetFlagRequirements(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if _, err := m.store.GetFlag(r.Context(), name); err != nil {
		m.writeError(w, r, err)
		return
	}

	bindings, err := m.store.ListBindingsByFlag(r.Context(), name)
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": toBindingPayloads(bindings)})
}

// handlePutFlagRequirements replaces, per operation key, the bindings that
// reference the flag. Bindings for the same operations that do not
// reference the flag are preserved.
func (m *Management) handlePutFlagRequirements(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if _, err := m.store.GetFlag(r.Context(), name); err != nil {
		m.writeError(w, r, err)
		return
	}

	var body struct {
		Bindings []bindingPayload `json:"bindings"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		m.writeError(w, r, domain.NewValidationErrorWithCause("invalid bindings payload", err))
		return
	}

	byOperation := make(map[string][]domain.Binding)
	for _, b := range body.Bindings {
		binding := domain.Binding{
			OperationKey:  b.OperationKey,
			Scope:         b.Scope,
			RequiredFlags: b.RequiredFlags,
		}
		if !referencesFlag(binding, name) {
			m.writeError(w, r, domain.NewValidationError(
				"binding for "+b.OperationKey+" does not reference flag "+name))
			return
		}
		byOperation[b.OperationKey] = append(byOperation[b.OperationKey], binding)
	}

	touched := make([]string, 0, len(byOperation))
	for operationKey, incoming := range byOperation {
		existing, err := m.store.GetRequirements(r.Context(), operationKey)
		if err != nil {
			m.writeError(w, r, err)
			return
		}

		merged := make([]domain.Binding, 0, len(existing)+len(incoming))
		for _, b := range existing {
			if !referencesFlag(b, name) {
				merged = append(merged, b)
			}
		}
		merged = append(merged, incoming...)

		if err := domain.ValidateBindings(operationKey, merged); err != nil {
			m.writeError(w, r, err)
			return
		}
		if err := m.store.UpsertRequirements(r.Context(), operationKey, merged); err != nil {
			m.writeError(w, r, err)
			return
		}
		touched = append(touched, operationKey)
	}

	for _, operationKey := range touched {
		m.provider.Invalidate(operationKey)
	}

	writeJSON(w, http.StatusOK, map[string]any{"operations": touched})
}

func (m *Management) handleGetRequirements(w http.ResponseWriter, r *http.Request) {
	operationKey := r.URL.Query().Get("operation")
	if operationKey == "" {
		m.writeError(w, r, domain.NewValidationError("operation query parameter is required"))
		return
	}

	bindings, err := m.store.GetRequirements(r.Context(), operationKey)
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": toBindingPayloads(bindings)})
}

// handlePutRequirements replaces the full binding set for one operation.
func (m *Management) handlePutRequirements(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OperationKey string           `json:"operation_key"`
		Bindings     []bindingPayload `json:"bindings"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		m.writeError(w, r, domain.NewValidationErrorWithCause("invalid requirements payload", err))
		return
	}

	bindings := make([]domain.Binding, 0, len(body.Bindings))
	for _, b := range body.Bindings {
		bindings = append(bindings, domain.Binding{
			OperationKey:  body.OperationKey,
			Scope:         b.Scope,
			RequiredFlags: b.RequiredFlags,
		})
	}

	if err := domain.ValidateBindings(body.OperationKey, bindings); err != nil {
		m.writeError(w, r, err)
		return
	}
	if err := m.store.UpsertRequirements(r.Context(), body.OperationKey, bindings); err != nil {
		m.writeError(w, r, err)
		return
	}

	m.provider.Invalidate(body.OperationKey)
	writeJSON(w, http.StatusOK, map[string]any{"operation_key": body.OperationKey})
}

func (m *Management) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"flags": m.registry.Len(),
	})
}

func (m *Management) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OperationKey string `json:"operation_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.OperationKey == "" {
		m.writeError(w, r, domain.NewValidationError("operation_key is required"))
		return
	}

	m.provider.Invalidate(body.OperationKey)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "operation_key": body.OperationKey})
}

func (m *Management) handleInvalidateAll(w http.ResponseWriter, r *http.Request) {
	m.provider.InvalidateAll()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (m *Management) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := m.registry.Load(r.Context(), m.store); err != nil {
		m.writeError(w, r, err)
		return
	}
	m.provider.InvalidateAll()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ApplyFlagChange propagates a successful flag write: registry upsert,
// invalidation of affected operations, and optional cross-instance notify.
func (m *Management) ApplyFlagChange(ctx context.Context, flag domain.Flag) {
	m.registry.Set(flag)

	bindings, err := m.store.ListBindingsByFlag(ctx, flag.Name)
	if err != nil {
		m.logger.Warn("failed to list bindings for invalidation",
			zap.String("flag", flag.Name),
			zap.Error(err),
		)
		m.provider.InvalidateAll()
	} else {
		seen := make(map[string]bool)
		for _, b := range bindings {
			if !seen[b.OperationKey] {
				seen[b.OperationKey] = true
				m.provider.Invalidate(b.OperationKey)
			}
		}
	}

	if m.notifier != nil {
		if err := m.notifier.PublishFlagChange(ctx, flag.Name); err != nil {
			m.logger.Warn("failed to publish flag change",
				zap.String("flag", flag.Name),
				zap.Error(err),
			)
		}
	}
}

func (m *Management) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case domain.IsValidationError(err):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case domain.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	default:
		m.logger.Error("management request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func toFlagPayload(flag *domain.Flag) (flagPayload, error) {
	value, err := flag.MarshalValue()
	if err != nil {
		return flagPayload{}, err
	}
	return flagPayload{
		Name:      flag.Name,
		Kind:      flag.Kind,
		Value:     value,
		Condition: flag.Condition,
		CreatedAt: flag.CreatedAt,
		UpdatedAt: flag.UpdatedAt,
	}, nil
}

func toBindingPayloads(bindings []domain.Binding) []bindingPayload {
	items := make([]bindingPayload, 0, len(bindings))
	for _, b := range bindings {
		items = append(items, bindingPayload{
			OperationKey:  b.OperationKey,
			Scope:         b.Scope,
			RequiredFlags: b.RequiredFlags,
		})
	}
	return items
}

func referencesFlag(b domain.Binding, flagName string) bool {
	for _, name := range b.RequiredFlags {
		if name == flagName {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
