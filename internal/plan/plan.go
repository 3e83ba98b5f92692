// Package plan turns unvalidated reasoning output into a sanitized query plan
// and compiles plans into parameterized filter expressions.
package plan

import (
	"strconv"
	"strings"

	"github.com/bimquery/bimquery/internal/model"
	"github.com/bimquery/bimquery/internal/observability"
)

// RawPlan is the structured output of the reasoning service, before any
// validation. Every field is attacker-influenced and must not reach SQL
// untouched.
type RawPlan struct {
	Task              string `json:"task"`
	Category          string `json:"category"`
	FilterParam       string `json:"filterParam"`
	FilterValue       string `json:"filterValue"`
	TargetParam       string `json:"targetParam"`
	PropsFlatKey      string `json:"propsFlatKey"`
	Limit             int    `json:"limit"`
	UseSemanticSearch bool   `json:"useSemanticSearch"`
	SemanticQuery     string `json:"semanticQuery"`
	TopK              int    `json:"topK"`
	Notes             string `json:"notes"`
}

// Defaults supplies the fallback values applied during validation.
type Defaults struct {
	Limit int
	TopK  int
}

// Validate sanitizes a raw plan against the model's category set and the
// column allow-list. Disallowed identifiers and unmatched categories are
// silently nulled; validation never fails.
func Validate(urn string, raw RawPlan, categories []string, defaults Defaults) model.QueryPlan {
	p := model.QueryPlan{
		URN:               urn,
		Task:              model.TaskCount,
		PropsFlatKey:      strings.TrimSpace(raw.PropsFlatKey),
		FilterValue:       raw.FilterValue,
		Limit:             defaults.Limit,
		UseSemanticSearch: raw.UseSemanticSearch,
		SemanticQuery:     strings.TrimSpace(raw.SemanticQuery),
		TopK:              defaults.TopK,
		Notes:             raw.Notes,
	}

	if task, ok := model.ParseTask(strings.TrimSpace(raw.Task)); ok {
		p.Task = task
	}
	if raw.Limit > 0 {
		p.Limit = raw.Limit
	}
	if raw.TopK > 0 {
		p.TopK = raw.TopK
	}

	p.Category = resolveCategory(raw.Category, categories)
	if p.Category == "" && strings.TrimSpace(raw.Category) != "" {
		observability.IncrementPlanDowngrade("category")
	}

	if param := strings.TrimSpace(raw.FilterParam); param != "" {
		if col, ok := model.ColumnFor(param); ok {
			p.FilterParam = &col
		} else {
			observability.IncrementPlanDowngrade("filterParam")
		}
	}
	if param := strings.TrimSpace(raw.TargetParam); param != "" {
		if col, ok := model.ColumnFor(param); ok {
			p.TargetParam = &col
		} else {
			observability.IncrementPlanDowngrade("targetParam")
		}
	}

	return p
}

// resolveCategory matches the requested category against the model's known
// set: exact first, then case-insensitive with the canonical casing
// substituted. No match resolves to empty, which omits the category clause.
func resolveCategory(requested string, categories []string) string {
	requested = strings.TrimSpace(requested)
	if requested == "" {
		return ""
	}
	for _, category := range categories {
		if category == requested {
			return category
		}
	}
	for _, category := range categories {
		if strings.EqualFold(category, requested) {
			return category
		}
	}
	return ""
}

// Compile assembles the parameterized filter for a validated plan. Clause
// order: model scope, candidate restriction, category equality, attribute
// equality. The candidate ids come from the trusted similarity-search step and
// are inlined as integer literals; everything else is bound.
func Compile(p model.QueryPlan, candidateIDs []int64) model.Filter {
	clauses := make([]string, 0, 4)
	args := make([]any, 0, 3)

	args = append(args, p.URN)
	clauses = append(clauses, "urn = $"+strconv.Itoa(len(args)))

	if len(candidateIDs) > 0 {
		ids := make([]string, len(candidateIDs))
		for i, id := range candidateIDs {
			ids[i] = strconv.FormatInt(id, 10)
		}
		clauses = append(clauses, "db_id IN ("+strings.Join(ids, ", ")+")")
	}

	if p.Category != "" {
		args = append(args, p.Category)
		clauses = append(clauses, "component_type = $"+strconv.Itoa(len(args)))
	}

	if p.FilterParam != nil && strings.TrimSpace(p.FilterValue) != "" {
		args = append(args, strings.TrimSpace(p.FilterValue))
		clauses = append(clauses, p.FilterParam.Ident+" = $"+strconv.Itoa(len(args)))
	}

	return model.Filter{
		Where: strings.Join(clauses, " AND "),
		Args:  args,
	}
}
