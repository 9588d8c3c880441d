package llm

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ProviderCooldownSeconds is the cooldown window applied to a provider after
// any raised error, once the adapter's own internal retries are exhausted.
const ProviderCooldownSeconds = 60

// Metrics is the subset of observability.Metrics the Router reports through.
// Defined locally to avoid a dependency cycle; *observability.Metrics
// satisfies it.
type Metrics interface {
	RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int)
	RecordLLMFallback(fromProvider, toProvider string)
	RecordLLMCost(provider, model string, costUSD float64)
}

// AuditLog receives append-only lifecycle records. Satisfied structurally by
// *audit.Logger, mirroring orchestrator.AuditLog and queue.AuditLog.
type AuditLog interface {
	Record(ctx context.Context, action string, fields map[string]any)
}

// Router is a multi-provider dispatcher: it selects a preferred provider,
// applies a fallback chain, enforces per-provider cooldowns, and picks a
// model by complexity tier. The only mutable shared state is the cooldown
// map; it is guarded by cooldownMu so that marking a failure and reading a
// cooldown never race.
type Router struct {
	providers map[ProviderID]Provider

	cooldownMu sync.Mutex
	cooldowns  map[ProviderID]time.Time

	logger  *slog.Logger
	metrics Metrics
	audit   AuditLog
}

// NewRouter builds a Router over a fixed set of provider adapters, keyed by
// ProviderID per the Design Notes' "interface abstraction, not subclassing"
// guidance. audit may be nil, in which case provider-failure and fallback
// events are only logged through logger.
func NewRouter(providers map[ProviderID]Provider, logger *slog.Logger, metrics Metrics, audit AuditLog) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		providers: providers,
		cooldowns: make(map[ProviderID]time.Time),
		logger:    logger,
		metrics:   metrics,
		audit:     audit,
	}
}

// recordAudit is a nil-safe forward to the configured AuditLog.
func (r *Router) recordAudit(ctx context.Context, action string, fields map[string]any) {
	if r.audit == nil {
		return
	}
	r.audit.Record(ctx, action, fields)
}

// AvailableProviders returns every ProviderID whose adapter reports itself
// available, in the stable AllProviders order.
func (r *Router) AvailableProviders() []ProviderID {
	out := make([]ProviderID, 0, len(AllProviders))
	for _, id := range AllProviders {
		if p, ok := r.providers[id]; ok && p.IsAvailable() {
			out = append(out, id)
		}
	}
	return out
}

func (r *Router) isInCooldown(id ProviderID) bool {
	r.cooldownMu.Lock()
	defer r.cooldownMu.Unlock()
	until, ok := r.cooldowns[id]
	return ok && monotonicNow().Before(until)
}

func (r *Router) markFailed(id ProviderID) {
	r.cooldownMu.Lock()
	defer r.cooldownMu.Unlock()
	r.cooldowns[id] = monotonicNow().Add(ProviderCooldownSeconds * time.Second)
}

func (r *Router) markSucceeded(id ProviderID) {
	r.cooldownMu.Lock()
	defer r.cooldownMu.Unlock()
	delete(r.cooldowns, id)
}

// fallbackOrder builds the ordered candidate list: preferred first, then the
// rest in stable order, unavailable providers dropped, then a stable
// partition of not-cooled-down before cooled-down so that a cooled-down
// provider is tried last rather than skipped entirely.
func (r *Router) fallbackOrder(preferred ProviderID) []ProviderID {
	ordered := make([]ProviderID, 0, len(AllProviders))
	seen := make(map[ProviderID]bool)
	if preferred != "" {
		ordered = append(ordered, preferred)
		seen[preferred] = true
	}
	for _, id := range AllProviders {
		if seen[id] {
			continue
		}
		ordered = append(ordered, id)
		seen[id] = true
	}

	var notCooled, cooled []ProviderID
	for _, id := range ordered {
		p, ok := r.providers[id]
		if !ok || !p.IsAvailable() {
			continue
		}
		if r.isInCooldown(id) {
			cooled = append(cooled, id)
		} else {
			notCooled = append(notCooled, id)
		}
	}
	return append(notCooled, cooled...)
}

// Complete dispatches req along the fallback chain, returning the first
// successful Response. Complete may be called concurrently; the only shared
// mutable state is the cooldown map, serialized above.
func (r *Router) Complete(ctx context.Context, req Request) (*Response, error) {
	chain := r.fallbackOrder(req.Provider)
	var lastErr error

	for i, id := range chain {
		provider, ok := r.providers[id]
		if !ok {
			continue
		}
		model := req.Model
		if id != req.Provider || model == "" {
			model = SelectModel(id, complexityFromMetadata(req))
		}
		callReq := req
		callReq.Provider = id
		callReq.Model = model

		start := monotonicNow()
		resp, err := provider.Complete(ctx, callReq)
		elapsed := monotonicNow().Sub(start).Seconds()

		if err != nil {
			lastErr = err
			r.markFailed(id)
			if r.metrics != nil {
				r.metrics.RecordLLMRequest(string(id), model, "error", elapsed, 0, 0)
			}
			r.logger.Error("llm_provider_failed", "provider", id, "model", model, "error", err)
			r.recordAudit(ctx, "llm_provider_failed", map[string]any{
				"provider": string(id),
				"model":    model,
				"error":    err.Error(),
			})
			continue
		}

		r.markSucceeded(id)
		if i > 0 {
			r.logger.Warn("llm_fallback_used", "from_provider", req.Provider, "to_provider", id)
			r.recordAudit(ctx, "llm_fallback_used", map[string]any{
				"from_provider": string(req.Provider),
				"to_provider":   string(id),
			})
			if r.metrics != nil {
				r.metrics.RecordLLMFallback(string(req.Provider), string(id))
			}
		}
		cost := resp.EstimatedCostUSD()
		r.logger.Info("llm_completion",
			"provider", id, "model", resp.Model,
			"prompt_tokens", resp.PromptTokens, "completion_tokens", resp.CompletionTokens,
			"estimated_cost_usd", cost)
		if r.metrics != nil {
			r.metrics.RecordLLMRequest(string(id), model, "success", elapsed, resp.PromptTokens, resp.CompletionTokens)
			r.metrics.RecordLLMCost(string(id), model, cost)
		}
		return resp, nil
	}

	return nil, &AllProvidersExhaustedError{LastErr: lastErr}
}

// Stream behaves like Complete but returns a lazy sequence of text fragments
// from whichever provider in the fallback chain first accepts the request.
// Once a provider begins streaming, the Router no longer falls back for that
// call — mid-stream failures surface to the caller as a chunk carrying Err.
func (r *Router) Stream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	chain := r.fallbackOrder(req.Provider)
	var lastErr error

	for _, id := range chain {
		provider, ok := r.providers[id]
		if !ok {
			continue
		}
		model := req.Model
		if id != req.Provider || model == "" {
			model = SelectModel(id, complexityFromMetadata(req))
		}
		callReq := req
		callReq.Provider = id
		callReq.Model = model

		ch, err := provider.Stream(ctx, callReq)
		if err != nil {
			lastErr = err
			r.markFailed(id)
			continue
		}
		r.markSucceeded(id)
		return ch, nil
	}
	return nil, &AllProvidersExhaustedError{LastErr: lastErr}
}

// Quick is a convenience single-turn helper: it builds a one-message request
// and returns the content string.
func (r *Router) Quick(ctx context.Context, prompt, system string, complexity Complexity) (string, error) {
	req := NewRequest([]ChatMessage{{Role: RoleUser, Content: prompt}})
	req.SystemPrompt = system
	if req.Metadata == nil {
		req.Metadata = map[string]any{}
	}
	req.Metadata["complexity"] = string(complexity)
	resp, err := r.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func complexityFromMetadata(req Request) Complexity {
	if req.Metadata == nil {
		return ComplexityStandard
	}
	if v, ok := req.Metadata["complexity"].(string); ok {
		switch Complexity(v) {
		case ComplexitySimple, ComplexityStandard, ComplexityComplex:
			return Complexity(v)
		}
	}
	return ComplexityStandard
}
