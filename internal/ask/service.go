// Package ask orchestrates one question from metadata discovery through plan
// resolution, execution, and answer synthesis.
package ask

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bimquery/bimquery/internal/config"
	"github.com/bimquery/bimquery/internal/model"
	"github.com/bimquery/bimquery/internal/observability"
	"github.com/bimquery/bimquery/internal/plan"
	"github.com/bimquery/bimquery/internal/reason"
	"github.com/bimquery/bimquery/internal/store/postgres"
)

// Store is the metadata and similarity-search surface the orchestrator needs.
// Filtered task queries go through the executor, not through this interface.
type Store interface {
	DiscoverMetadata(ctx context.Context, urn string, opts postgres.DiscoverOptions) (model.ModelMetadata, error)
	NearestElementIDs(ctx context.Context, urn string, embedding []float64, topK int) ([]int64, error)
}

// Executor runs a validated plan over a compiled filter.
type Executor interface {
	Execute(ctx context.Context, p model.QueryPlan, meta model.ModelMetadata, f model.Filter) (model.TaskResult, error)
}

type Request struct {
	URN      string `json:"urn"`
	Question string `json:"question"`
	Debug    bool   `json:"debug"`
}

type Response struct {
	Answer string            `json:"answer"`
	Result *model.TaskResult `json:"result,omitempty"`
	Debug  *Debug            `json:"debug,omitempty"`
}

// Debug exposes the request's internal pipeline state. Only populated when the
// caller asked for it.
type Debug struct {
	Strategy         string          `json:"strategy"`
	Intent           string          `json:"intent"`
	CategoryHint     string          `json:"categoryHint,omitempty"`
	Plan             model.QueryPlan `json:"plan"`
	Where            string          `json:"where"`
	Args             []any           `json:"args"`
	CandidateIDs     []int64         `json:"candidateIds,omitempty"`
	SemanticDegraded bool            `json:"semanticDegraded,omitempty"`
}

type Service struct {
	store    Store
	executor Executor
	reasoner reason.Client
	logger   *slog.Logger
	cfg      config.AskConfig
}

func NewService(store Store, executor Executor, reasoner reason.Client, logger *slog.Logger, cfg config.AskConfig) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		executor: executor,
		reasoner: reasoner,
		logger:   logger,
		cfg:      cfg,
	}
}

// resolution is the outcome of the reasoning stage, before validation.
type resolution struct {
	intent string
	raw    plan.RawPlan
	hint   string
}

// Answer runs the full pipeline for one question. Stages run strictly in
// order; only the semantic candidate restriction is allowed to degrade.
func (s *Service) Answer(ctx context.Context, req Request) (Response, error) {
	urn := strings.TrimSpace(req.URN)
	question := strings.TrimSpace(req.Question)
	if urn == "" || question == "" {
		return Response{}, model.ErrMissingInput
	}

	meta, err := s.store.DiscoverMetadata(ctx, urn, postgres.DiscoverOptions{
		SampleLimit:   s.cfg.SampleLimit,
		BlobScanLimit: s.cfg.BlobScanLimit,
		KeyCap:        s.cfg.KeyCap,
	})
	if err != nil {
		return Response{}, fmt.Errorf("discover metadata: %w: %w", model.ErrStoreFailed, err)
	}

	res, err := s.resolve(ctx, question, meta)
	if err != nil {
		return Response{}, err
	}

	if res.intent == "general" {
		observability.ObserveQuestion("general")
		answer, err := s.completeText(ctx, "general", generalSystemPrompt, question)
		if err != nil {
			return Response{}, err
		}
		return Response{Answer: answer}, nil
	}
	observability.ObserveQuestion("data")

	// Hint backfill: only when the reasoner left the category open and the
	// hint is itself a known category.
	if strings.TrimSpace(res.raw.Category) == "" && res.hint != "" && containsCategory(meta.Categories, res.hint) {
		res.raw.Category = res.hint
	}

	p := plan.Validate(urn, res.raw, meta.Categories, plan.Defaults{
		Limit: s.cfg.DefaultLimit,
		TopK:  s.cfg.DefaultTopK,
	})

	candidateIDs, degraded := s.restrictCandidates(ctx, p)
	f := plan.Compile(p, candidateIDs)

	result, err := s.executor.Execute(ctx, p, meta, f)
	if err != nil {
		return Response{}, classifyExecutionError(err)
	}

	answer, err := s.synthesize(ctx, question, p, result)
	if err != nil {
		return Response{}, err
	}

	resp := Response{Answer: answer, Result: &result}
	if req.Debug {
		resp.Debug = &Debug{
			Strategy:         string(s.cfg.Strategy),
			Intent:           res.intent,
			CategoryHint:     res.hint,
			Plan:             p,
			Where:            f.Where,
			Args:             f.Args,
			CandidateIDs:     candidateIDs,
			SemanticDegraded: degraded,
		}
	}
	return resp, nil
}

// resolve runs the configured reasoning strategy and returns the question's
// intent plus the raw plan parameters.
func (s *Service) resolve(ctx context.Context, question string, meta model.ModelMetadata) (resolution, error) {
	if s.cfg.Strategy == config.StrategyUnified {
		raw, err := s.completeJSON(ctx, "unified", unifiedSystemPrompt, questionWithMetadata(question, meta))
		if err != nil {
			return resolution{}, err
		}
		var parsed struct {
			Intent string `json:"intent"`
			plan.RawPlan
		}
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return resolution{}, fmt.Errorf("decode unified resolution: %w: %w", model.ErrReasoningFailed, err)
		}
		return resolution{intent: normalizeIntent(parsed.Intent), raw: parsed.RawPlan}, nil
	}

	hint := s.categoryHint(ctx, question, meta.Categories)

	intentRaw, err := s.completeJSON(ctx, "intent", intentSystemPrompt, "Question: "+question)
	if err != nil {
		return resolution{}, err
	}
	var intentParsed struct {
		Intent string `json:"intent"`
	}
	if err := json.Unmarshal(intentRaw, &intentParsed); err != nil {
		return resolution{}, fmt.Errorf("decode intent: %w: %w", model.ErrReasoningFailed, err)
	}
	intent := normalizeIntent(intentParsed.Intent)
	if intent == "general" {
		return resolution{intent: intent, hint: hint}, nil
	}

	paramsRaw, err := s.completeJSON(ctx, "parameters", parametersSystemPrompt, parametersUserPrompt(question, intent, meta))
	if err != nil {
		return resolution{}, err
	}
	var raw plan.RawPlan
	if err := json.Unmarshal(paramsRaw, &raw); err != nil {
		return resolution{}, fmt.Errorf("decode parameters: %w: %w", model.ErrReasoningFailed, err)
	}
	return resolution{intent: intent, raw: raw, hint: hint}, nil
}

// categoryHint asks for a quick category guess before intent resolution. Any
// failure degrades to no hint.
func (s *Service) categoryHint(ctx context.Context, question string, categories []string) string {
	if len(categories) == 0 {
		return ""
	}
	raw, err := s.completeJSON(ctx, "hint", hintSystemPrompt, hintUserPrompt(question, categories))
	if err != nil {
		observability.RequestLogger(ctx, s.logger).Warn("category hint degraded", slog.String("error", err.Error()))
		return ""
	}
	var parsed struct {
		Category string `json:"category"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		observability.RequestLogger(ctx, s.logger).Warn("category hint degraded", slog.String("error", err.Error()))
		return ""
	}
	return strings.TrimSpace(parsed.Category)
}

// restrictCandidates resolves the plan's semantic query to the nearest element
// ids. Restriction requires a non-empty semantic query; without one the query
// runs unrestricted. Any failure also falls back to an unrestricted query.
func (s *Service) restrictCandidates(ctx context.Context, p model.QueryPlan) (ids []int64, degraded bool) {
	if !p.UseSemanticSearch || p.SemanticQuery == "" {
		return nil, false
	}

	start := time.Now()
	embedding, err := s.reasoner.Embed(ctx, p.SemanticQuery)
	observability.ObserveReasoningCall("embed", time.Since(start))
	if err != nil {
		observability.RequestLogger(ctx, s.logger).Warn("semantic search degraded to unrestricted query", slog.String("error", err.Error()))
		observability.IncrementSemanticDegraded()
		return nil, true
	}

	ids, err = s.store.NearestElementIDs(ctx, p.URN, embedding, p.TopK)
	if err != nil {
		observability.RequestLogger(ctx, s.logger).Warn("semantic search degraded to unrestricted query", slog.String("error", err.Error()))
		observability.IncrementSemanticDegraded()
		return nil, true
	}
	return ids, false
}

// synthesize phrases the result as an answer. It runs for every data result,
// including empty ones.
func (s *Service) synthesize(ctx context.Context, question string, p model.QueryPlan, result model.TaskResult) (string, error) {
	return s.completeText(ctx, "synthesis", synthesisSystemPrompt, synthesisUserPrompt(question, p, result))
}

func (s *Service) completeJSON(ctx context.Context, call, systemPrompt, userPrompt string) (json.RawMessage, error) {
	start := time.Now()
	raw, err := s.reasoner.CompleteJSON(ctx, systemPrompt, userPrompt)
	observability.ObserveReasoningCall(call, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("%s call: %w: %w", call, model.ErrReasoningFailed, err)
	}
	return raw, nil
}

func (s *Service) completeText(ctx context.Context, call, systemPrompt, userPrompt string) (string, error) {
	start := time.Now()
	text, err := s.reasoner.CompleteText(ctx, systemPrompt, userPrompt)
	observability.ObserveReasoningCall(call, time.Since(start))
	if err != nil {
		return "", fmt.Errorf("%s call: %w: %w", call, model.ErrReasoningFailed, err)
	}
	return text, nil
}

func normalizeIntent(intent string) string {
	if strings.EqualFold(strings.TrimSpace(intent), "general") {
		return "general"
	}
	return "data"
}

func containsCategory(categories []string, candidate string) bool {
	for _, category := range categories {
		if category == candidate {
			return true
		}
	}
	return false
}

// classifyExecutionError maps executor failures onto the request error
// classes. Plan contract violations count as reasoning failures because the
// plan came from the reasoning service.
func classifyExecutionError(err error) error {
	switch {
	case errors.Is(err, model.ErrReasoningFailed):
		return err
	case errors.Is(err, model.ErrMissingTarget), errors.Is(err, model.ErrUnknownTask):
		return fmt.Errorf("%w: %w", model.ErrReasoningFailed, err)
	default:
		return fmt.Errorf("execute task: %w: %w", model.ErrStoreFailed, err)
	}
}
