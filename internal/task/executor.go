// Package task executes validated query plans against the element store.
package task

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bimquery/bimquery/internal/model"
	"github.com/bimquery/bimquery/internal/observability"
	"github.com/bimquery/bimquery/internal/reason"
)

// Store is the element read surface the executor needs. All queries run
// against a compiled filter; the executor never builds SQL itself.
type Store interface {
	CountElements(ctx context.Context, f model.Filter) (int64, error)
	DistinctValues(ctx context.Context, f model.Filter, col model.Column, limit int) ([]string, error)
	GroupCounts(ctx context.Context, f model.Filter, col model.Column, limit int) ([]model.GroupCount, error)
	ListElements(ctx context.Context, f model.Filter, limit int) ([]model.ElementDoc, error)
	PropertyBlobs(ctx context.Context, f model.Filter, maxRows int) ([][]byte, error)
}

type Executor struct {
	store      Store
	reasoner   reason.Client
	logger     *slog.Logger
	sumMaxRows int
}

func NewExecutor(store Store, reasoner reason.Client, logger *slog.Logger, sumMaxRows int) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:      store,
		reasoner:   reasoner,
		logger:     logger,
		sumMaxRows: sumMaxRows,
	}
}

// Execute runs the plan's task over the already-compiled filter and returns a
// typed result. Distinct and group_count require a target parameter; the
// remaining tasks ignore it.
func (e *Executor) Execute(ctx context.Context, p model.QueryPlan, meta model.ModelMetadata, f model.Filter) (model.TaskResult, error) {
	observability.ObserveTaskExecution(string(p.Task))

	switch p.Task {
	case model.TaskCount:
		count, err := e.store.CountElements(ctx, f)
		if err != nil {
			return model.TaskResult{}, err
		}
		return model.TaskResult{Kind: model.TaskCount, Count: count}, nil

	case model.TaskDistinct:
		if p.TargetParam == nil {
			return model.TaskResult{}, model.ErrMissingTarget
		}
		values, err := e.store.DistinctValues(ctx, f, *p.TargetParam, p.Limit)
		if err != nil {
			return model.TaskResult{}, err
		}
		return model.TaskResult{Kind: model.TaskDistinct, Field: p.TargetParam.Param, Values: values}, nil

	case model.TaskGroupCount:
		if p.TargetParam == nil {
			return model.TaskResult{}, model.ErrMissingTarget
		}
		groups, err := e.store.GroupCounts(ctx, f, *p.TargetParam, p.Limit)
		if err != nil {
			return model.TaskResult{}, err
		}
		return model.TaskResult{Kind: model.TaskGroupCount, Field: p.TargetParam.Param, Groups: groups}, nil

	case model.TaskList:
		docs, err := e.store.ListElements(ctx, f, p.Limit)
		if err != nil {
			return model.TaskResult{}, err
		}
		return model.TaskResult{Kind: model.TaskList, Docs: docs}, nil

	case model.TaskSumArea:
		return e.sumQuantity(ctx, p, f, quantitySpec{
			kind:        model.TaskSumArea,
			name:        "area",
			defaultKey:  "Area",
			defaultUnit: "m²",
			keys:        meta.AreaKeys,
		})

	case model.TaskSumVolume:
		return e.sumQuantity(ctx, p, f, quantitySpec{
			kind:        model.TaskSumVolume,
			name:        "volume",
			defaultKey:  "Volume",
			defaultUnit: "m³",
			keys:        meta.VolumeKeys,
		})

	default:
		return model.TaskResult{}, model.ErrUnknownTask
	}
}

// quantitySpec parameterizes the shared summation routine over the physical
// quantity being totalled.
type quantitySpec struct {
	kind        model.Task
	name        string
	defaultKey  string
	defaultUnit string
	keys        []string
}

// sumQuantity totals one property key across the filtered elements. Property
// values are free-form, so parsing and summing are delegated to the reasoning
// service rather than parsed locally.
func (e *Executor) sumQuantity(ctx context.Context, p model.QueryPlan, f model.Filter, spec quantitySpec) (model.TaskResult, error) {
	key := resolvePropsKey(p.PropsFlatKey, spec.keys, spec.defaultKey)

	blobs, err := e.store.PropertyBlobs(ctx, f, e.sumMaxRows)
	if err != nil {
		return model.TaskResult{}, err
	}

	values := make([]any, 0, len(blobs))
	for _, blob := range blobs {
		props, ok := model.DecodeProps(blob)
		if !ok {
			continue
		}
		if v, exists := props[key]; exists {
			values = append(values, v)
		}
	}

	if len(values) == 0 {
		return model.TaskResult{
			Kind:     spec.kind,
			PropsKey: key,
			Sum:      model.QuantitySum{Notes: fmt.Sprintf("no %q values found in matching elements", key)},
		}, nil
	}

	sum, err := e.extractQuantitySum(ctx, spec, key, values)
	if err != nil {
		return model.TaskResult{}, err
	}
	return model.TaskResult{Kind: spec.kind, PropsKey: key, Sum: sum}, nil
}

// resolvePropsKey picks the property key to total: the plan's explicit key
// wins, then the first key discovered in the model, then the canonical name.
func resolvePropsKey(planKey string, discovered []string, fallback string) string {
	if trimmed := strings.TrimSpace(planKey); trimmed != "" {
		return trimmed
	}
	if len(discovered) > 0 {
		return discovered[0]
	}
	return fallback
}

const sumSystemPrompt = `You sum numeric building-element property values.
The user message contains a JSON array of raw property values for one key.
Values may be plain numbers, numeric strings, or strings with a unit suffix
(for example "12.5 m²"). Some locales write decimals with a comma ("10,5").
Skip any value that cannot be read as a number.
Respond with a single JSON object and nothing else:
{"total": <sum of parseable values>, "n": <count of parseable values>,
"unit": "<unit seen in the values, or the default unit>",
"notes": "<one short sentence on skipped or ambiguous values, or empty>"}`

func (e *Executor) extractQuantitySum(ctx context.Context, spec quantitySpec, key string, values []any) (model.QuantitySum, error) {
	encoded, err := json.Marshal(values)
	if err != nil {
		return model.QuantitySum{}, fmt.Errorf("encode %s values: %w", spec.name, err)
	}

	userPrompt := fmt.Sprintf("Quantity: %s\nProperty key: %q\nDefault unit: %s\nValues: %s",
		spec.name, key, spec.defaultUnit, encoded)

	raw, err := e.reasoner.CompleteJSON(ctx, sumSystemPrompt, userPrompt)
	if err != nil {
		return model.QuantitySum{}, fmt.Errorf("extract %s sum: %w: %w", spec.name, model.ErrReasoningFailed, err)
	}

	var parsed struct {
		Total *float64 `json:"total"`
		N     *int     `json:"n"`
		Unit  *string  `json:"unit"`
		Notes *string  `json:"notes"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return model.QuantitySum{}, fmt.Errorf("decode %s sum: %w: %w", spec.name, model.ErrReasoningFailed, err)
	}

	sum := model.QuantitySum{}
	if parsed.Total != nil {
		sum.Total = *parsed.Total
	}
	if parsed.N != nil {
		sum.N = *parsed.N
	}
	if parsed.Unit != nil && strings.TrimSpace(*parsed.Unit) != "" {
		sum.Unit = strings.TrimSpace(*parsed.Unit)
	} else {
		sum.Unit = spec.defaultUnit
	}
	if parsed.Notes != nil {
		sum.Notes = strings.TrimSpace(*parsed.Notes)
	}
	e.logger.Debug("quantity sum extracted",
		slog.String("quantity", spec.name),
		slog.String("key", key),
		slog.Int("candidates", len(values)),
		slog.Int("parsed", sum.N))
	return sum, nil
}
