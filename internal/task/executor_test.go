package task

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/bimquery/bimquery/internal/model"
)

type fakeStore struct {
	count      int64
	values     []string
	groups     []model.GroupCount
	docs       []model.ElementDoc
	blobs      [][]byte
	err        error
	lastFilter model.Filter
	lastCol    model.Column
	lastLimit  int
}

func (s *fakeStore) CountElements(_ context.Context, f model.Filter) (int64, error) {
	s.lastFilter = f
	return s.count, s.err
}

func (s *fakeStore) DistinctValues(_ context.Context, f model.Filter, col model.Column, limit int) ([]string, error) {
	s.lastFilter, s.lastCol, s.lastLimit = f, col, limit
	return s.values, s.err
}

func (s *fakeStore) GroupCounts(_ context.Context, f model.Filter, col model.Column, limit int) ([]model.GroupCount, error) {
	s.lastFilter, s.lastCol, s.lastLimit = f, col, limit
	return s.groups, s.err
}

func (s *fakeStore) ListElements(_ context.Context, f model.Filter, limit int) ([]model.ElementDoc, error) {
	s.lastFilter, s.lastLimit = f, limit
	return s.docs, s.err
}

func (s *fakeStore) PropertyBlobs(_ context.Context, f model.Filter, maxRows int) ([][]byte, error) {
	s.lastFilter, s.lastLimit = f, maxRows
	return s.blobs, s.err
}

type fakeReasoner struct {
	jsonResponse   string
	jsonErr        error
	lastUserPrompt string
	jsonCalls      int
}

func (r *fakeReasoner) CompleteJSON(_ context.Context, _ string, userPrompt string) (json.RawMessage, error) {
	r.jsonCalls++
	r.lastUserPrompt = userPrompt
	if r.jsonErr != nil {
		return nil, r.jsonErr
	}
	return json.RawMessage(r.jsonResponse), nil
}

func (r *fakeReasoner) CompleteText(context.Context, string, string) (string, error) {
	return "", errors.New("not used")
}

func (r *fakeReasoner) Embed(context.Context, string) ([]float64, error) {
	return nil, errors.New("not used")
}

func TestExecuteCount(t *testing.T) {
	store := &fakeStore{count: 5}
	exec := NewExecutor(store, &fakeReasoner{}, nil, 300)

	result, err := exec.Execute(context.Background(), model.QueryPlan{Task: model.TaskCount},
		model.ModelMetadata{}, model.Filter{Where: "urn = $1", Args: []any{"urn:a"}})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Kind != model.TaskCount || result.Count != 5 {
		t.Fatalf("result = %+v", result)
	}
	if store.lastFilter.Where != "urn = $1" {
		t.Fatalf("filter = %+v", store.lastFilter)
	}
}

func TestExecuteDistinctRequiresTarget(t *testing.T) {
	exec := NewExecutor(&fakeStore{}, &fakeReasoner{}, nil, 300)

	_, err := exec.Execute(context.Background(), model.QueryPlan{Task: model.TaskDistinct},
		model.ModelMetadata{}, model.Filter{Where: "urn = $1"})
	if !errors.Is(err, model.ErrMissingTarget) {
		t.Fatalf("error = %v, want ErrMissingTarget", err)
	}
}

func TestExecuteGroupCountRequiresTarget(t *testing.T) {
	exec := NewExecutor(&fakeStore{}, &fakeReasoner{}, nil, 300)

	_, err := exec.Execute(context.Background(), model.QueryPlan{Task: model.TaskGroupCount},
		model.ModelMetadata{}, model.Filter{Where: "urn = $1"})
	if !errors.Is(err, model.ErrMissingTarget) {
		t.Fatalf("error = %v, want ErrMissingTarget", err)
	}
}

func TestExecuteDistinct(t *testing.T) {
	store := &fakeStore{values: []string{"Level 1", "Level 2"}}
	exec := NewExecutor(store, &fakeReasoner{}, nil, 300)
	target := model.Column{Param: "levelNumber", Ident: "level_number"}

	result, err := exec.Execute(context.Background(),
		model.QueryPlan{Task: model.TaskDistinct, TargetParam: &target, Limit: 50},
		model.ModelMetadata{}, model.Filter{Where: "urn = $1"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Field != "levelNumber" || len(result.Values) != 2 {
		t.Fatalf("result = %+v", result)
	}
	if store.lastCol.Ident != "level_number" || store.lastLimit != 50 {
		t.Fatalf("store call col=%+v limit=%d", store.lastCol, store.lastLimit)
	}
}

func TestExecuteGroupCount(t *testing.T) {
	store := &fakeStore{groups: []model.GroupCount{{Value: "Doors", Count: 9}, {Value: "Walls", Count: 4}}}
	exec := NewExecutor(store, &fakeReasoner{}, nil, 300)
	target := model.Column{Param: "componentType", Ident: "component_type"}

	result, err := exec.Execute(context.Background(),
		model.QueryPlan{Task: model.TaskGroupCount, TargetParam: &target, Limit: 10},
		model.ModelMetadata{}, model.Filter{Where: "urn = $1"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Field != "componentType" || len(result.Groups) != 2 || result.Groups[0].Count != 9 {
		t.Fatalf("result = %+v", result)
	}
}

func TestExecuteList(t *testing.T) {
	store := &fakeStore{docs: []model.ElementDoc{{DBID: 3, Name: "Door 3"}}}
	exec := NewExecutor(store, &fakeReasoner{}, nil, 300)

	result, err := exec.Execute(context.Background(),
		model.QueryPlan{Task: model.TaskList, Limit: 25},
		model.ModelMetadata{}, model.Filter{Where: "urn = $1"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(result.Docs) != 1 || result.Docs[0].DBID != 3 {
		t.Fatalf("result = %+v", result)
	}
	if store.lastLimit != 25 {
		t.Fatalf("limit = %d", store.lastLimit)
	}
}

func TestExecuteSumAreaDelegatesParsing(t *testing.T) {
	store := &fakeStore{blobs: [][]byte{
		[]byte(`{"Area":"12.5"}`),
		[]byte(`{"Area":"10,5 m²"}`),
		[]byte(`{"Area":"abc"}`),
		[]byte(`{"Area":7}`),
		[]byte(`not json`),
		[]byte(`{"Volume":"3"}`),
	}}
	reasoner := &fakeReasoner{jsonResponse: `{"total":30.0,"n":3,"unit":"m²","notes":"one value was not numeric"}`}
	exec := NewExecutor(store, reasoner, nil, 300)

	result, err := exec.Execute(context.Background(),
		model.QueryPlan{Task: model.TaskSumArea},
		model.ModelMetadata{AreaKeys: []string{"Area"}},
		model.Filter{Where: "urn = $1"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Kind != model.TaskSumArea || result.PropsKey != "Area" {
		t.Fatalf("result = %+v", result)
	}
	if result.Sum.Total != 30.0 || result.Sum.N != 3 || result.Sum.Unit != "m²" {
		t.Fatalf("sum = %+v", result.Sum)
	}
	if store.lastLimit != 300 {
		t.Fatalf("maxRows = %d", store.lastLimit)
	}
	// The malformed blob and the key-less blob must not reach the prompt.
	if want := `["12.5","10,5 m²","abc",7]`; !strings.Contains(reasoner.lastUserPrompt, want) {
		t.Fatalf("user prompt = %q, want values %q", reasoner.lastUserPrompt, want)
	}
}

func TestExecuteSumVolumeKeyResolution(t *testing.T) {
	tests := []struct {
		name    string
		planKey string
		meta    model.ModelMetadata
		wantKey string
	}{
		{name: "plan key wins", planKey: "Net Volume", meta: model.ModelMetadata{VolumeKeys: []string{"Volume"}}, wantKey: "Net Volume"},
		{name: "first discovered key", meta: model.ModelMetadata{VolumeKeys: []string{"Gross Volume", "Volume"}}, wantKey: "Gross Volume"},
		{name: "canonical fallback", meta: model.ModelMetadata{}, wantKey: "Volume"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := &fakeStore{blobs: [][]byte{[]byte(`{"` + tc.wantKey + `":"2.5"}`)}}
			reasoner := &fakeReasoner{jsonResponse: `{"total":2.5,"n":1,"unit":"m³","notes":""}`}
			exec := NewExecutor(store, reasoner, nil, 300)

			result, err := exec.Execute(context.Background(),
				model.QueryPlan{Task: model.TaskSumVolume, PropsFlatKey: tc.planKey},
				tc.meta, model.Filter{Where: "urn = $1"})
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if result.PropsKey != tc.wantKey {
				t.Fatalf("PropsKey = %q, want %q", result.PropsKey, tc.wantKey)
			}
		})
	}
}

func TestExecuteSumSkipsReasonerWithoutValues(t *testing.T) {
	store := &fakeStore{blobs: [][]byte{[]byte(`{"Volume":"3"}`), []byte(`broken`)}}
	reasoner := &fakeReasoner{}
	exec := NewExecutor(store, reasoner, nil, 300)

	result, err := exec.Execute(context.Background(),
		model.QueryPlan{Task: model.TaskSumArea},
		model.ModelMetadata{}, model.Filter{Where: "urn = $1"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if reasoner.jsonCalls != 0 {
		t.Fatalf("jsonCalls = %d, want 0", reasoner.jsonCalls)
	}
	if result.Sum.N != 0 || result.Sum.Total != 0 || result.Sum.Notes == "" {
		t.Fatalf("sum = %+v", result.Sum)
	}
}

func TestExecuteSumDefaultsMissingFields(t *testing.T) {
	store := &fakeStore{blobs: [][]byte{[]byte(`{"Area":"12.5"}`)}}
	reasoner := &fakeReasoner{jsonResponse: `{"total":12.5}`}
	exec := NewExecutor(store, reasoner, nil, 300)

	result, err := exec.Execute(context.Background(),
		model.QueryPlan{Task: model.TaskSumArea},
		model.ModelMetadata{}, model.Filter{Where: "urn = $1"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Sum.Total != 12.5 || result.Sum.N != 0 || result.Sum.Unit != "m²" || result.Sum.Notes != "" {
		t.Fatalf("sum = %+v", result.Sum)
	}
}

func TestExecuteUnknownTask(t *testing.T) {
	exec := NewExecutor(&fakeStore{}, &fakeReasoner{}, nil, 300)

	_, err := exec.Execute(context.Background(), model.QueryPlan{Task: model.Task("drop")},
		model.ModelMetadata{}, model.Filter{Where: "urn = $1"})
	if !errors.Is(err, model.ErrUnknownTask) {
		t.Fatalf("error = %v, want ErrUnknownTask", err)
	}
}
