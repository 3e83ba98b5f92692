package model

import (
	"encoding/json"
	"errors"
)

var (
	ErrNotFound      = errors.New("model: not found")
	ErrMissingInput  = errors.New("model: urn and question are required")
	ErrMissingTarget = errors.New("model: task requires a target parameter")
	ErrUnknownTask   = errors.New("model: unknown task")

	// ErrReasoningFailed and ErrStoreFailed classify request failures for the
	// transport layer. Wrap, never return bare.
	ErrReasoningFailed = errors.New("model: reasoning service failed")
	ErrStoreFailed     = errors.New("model: store query failed")
)

// CategoryField is the canonical category column as seen by the reasoning
// service. Every non-empty value of this field in a model belongs to that
// model's category set.
const CategoryField = "componentType"

type Task string

const (
	TaskCount      Task = "count"
	TaskDistinct   Task = "distinct"
	TaskGroupCount Task = "group_count"
	TaskList       Task = "list"
	TaskSumArea    Task = "sum_area"
	TaskSumVolume  Task = "sum_volume"
)

func ParseTask(raw string) (Task, bool) {
	switch Task(raw) {
	case TaskCount, TaskDistinct, TaskGroupCount, TaskList, TaskSumArea, TaskSumVolume:
		return Task(raw), true
	default:
		return "", false
	}
}

// Column is a typed reference to an elements column. Only values produced by
// ColumnFor may ever reach an identifier position in SQL; raw strings from the
// reasoning service never do.
type Column struct {
	Param string `json:"param"`
	Ident string `json:"ident"`
}

var columnAllowList = []Column{
	{Param: "name", Ident: "name"},
	{Param: "componentType", Ident: "component_type"},
	{Param: "typeName", Ident: "type_name"},
	{Param: "familyName", Ident: "family_name"},
	{Param: "levelNumber", Ident: "level_number"},
	{Param: "roomName", Ident: "room_name"},
	{Param: "roomType", Ident: "room_type"},
	{Param: "systemType", Ident: "system_type"},
	{Param: "systemName", Ident: "system_name"},
	{Param: "manufacturer", Ident: "manufacturer"},
	{Param: "modelName", Ident: "model_name"},
	{Param: "omniclassTitle", Ident: "omniclass_title"},
	{Param: "omniclassNumber", Ident: "omniclass_number"},
}

// ColumnFor resolves a reasoning-supplied parameter name against the fixed
// allow-list. This is the only path from untrusted text to a SQL identifier.
func ColumnFor(param string) (Column, bool) {
	for _, col := range columnAllowList {
		if col.Param == param {
			return col, true
		}
	}
	return Column{}, false
}

// SampleFields lists the columns whose distinct values are offered to the
// reasoning service as filter-value examples.
func SampleFields() []Column {
	return []Column{
		{Param: "typeName", Ident: "type_name"},
		{Param: "familyName", Ident: "family_name"},
		{Param: "levelNumber", Ident: "level_number"},
		{Param: "roomName", Ident: "room_name"},
		{Param: "roomType", Ident: "room_type"},
		{Param: "systemType", Ident: "system_type"},
		{Param: "manufacturer", Ident: "manufacturer"},
		{Param: "omniclassTitle", Ident: "omniclass_title"},
	}
}

// Element is one BIM asset record scoped to a model identified by its urn.
// PropsFlat is the raw serialized property blob; it may be absent or malformed
// for individual elements and readers must tolerate both.
type Element struct {
	URN             string `json:"urn"`
	GUID            string `json:"guid"`
	DBID            int64  `json:"dbId"`
	Name            string `json:"name"`
	ComponentType   string `json:"componentType"`
	TypeName        string `json:"typeName"`
	FamilyName      string `json:"familyName"`
	LevelNumber     string `json:"levelNumber"`
	RoomName        string `json:"roomName"`
	RoomType        string `json:"roomType"`
	SystemType      string `json:"systemType"`
	SystemName      string `json:"systemName"`
	Manufacturer    string `json:"manufacturer"`
	ModelName       string `json:"modelName"`
	OmniclassTitle  string `json:"omniclassTitle"`
	OmniclassNumber string `json:"omniclassNumber"`
	PropsFlat       []byte `json:"-"`
}

// ElementDoc is the fixed projection returned by the list task.
type ElementDoc struct {
	GUID            string `json:"guid"`
	DBID            int64  `json:"dbId"`
	Name            string `json:"name"`
	ComponentType   string `json:"componentType"`
	TypeName        string `json:"typeName"`
	FamilyName      string `json:"familyName"`
	LevelNumber     string `json:"levelNumber"`
	RoomName        string `json:"roomName"`
	RoomType        string `json:"roomType"`
	SystemType      string `json:"systemType"`
	SystemName      string `json:"systemName"`
	Manufacturer    string `json:"manufacturer"`
	ModelName       string `json:"modelName"`
	OmniclassTitle  string `json:"omniclassTitle"`
	OmniclassNumber string `json:"omniclassNumber"`
}

// DecodeProps parses a serialized property blob into an open key/value map.
// The second return is false when the blob is not a JSON object.
func DecodeProps(blob []byte) (map[string]any, bool) {
	if len(blob) == 0 {
		return nil, false
	}
	var props map[string]any
	if err := json.Unmarshal(blob, &props); err != nil {
		return nil, false
	}
	return props, true
}

// ModelMetadata is recomputed from the store at the start of every request and
// discarded at response time.
type ModelMetadata struct {
	CategoryField string              `json:"categoryField"`
	Categories    []string            `json:"categories"`
	ParamSamples  map[string][]string `json:"paramSamples"`
	AreaKeys      []string            `json:"areaKeys"`
	VolumeKeys    []string            `json:"volumeKeys"`
}

// QueryPlan is the validated, request-scoped query representation. FilterParam
// and TargetParam are typed column references resolved through the allow-list;
// a nil pointer means the corresponding clause is omitted.
type QueryPlan struct {
	URN               string  `json:"urn"`
	Task              Task    `json:"task"`
	Category          string  `json:"category,omitempty"`
	FilterParam       *Column `json:"filterParam,omitempty"`
	FilterValue       string  `json:"filterValue,omitempty"`
	TargetParam       *Column `json:"targetParam,omitempty"`
	PropsFlatKey      string  `json:"propsFlatKey,omitempty"`
	Limit             int     `json:"limit"`
	UseSemanticSearch bool    `json:"useSemanticSearch,omitempty"`
	SemanticQuery     string  `json:"semanticQuery,omitempty"`
	TopK              int     `json:"topK,omitempty"`
	Notes             string  `json:"notes,omitempty"`
}

// Filter is a compiled WHERE expression plus its bound arguments, in clause
// order. Identifier positions inside Where only ever come from allow-listed
// columns or trusted literal ids; every value is carried in Args.
type Filter struct {
	Where string
	Args  []any
}

type GroupCount struct {
	Value string `json:"value"`
	Count int64  `json:"count"`
}

type QuantitySum struct {
	Total float64 `json:"total"`
	N     int     `json:"n"`
	Unit  string  `json:"unit"`
	Notes string  `json:"notes"`
}

// TaskResult carries the output of one executed task. Only the fields for the
// result's Kind are meaningful; MarshalJSON emits the per-kind wire shape.
type TaskResult struct {
	Kind     Task
	Count    int64
	Field    string
	Values   []string
	Groups   []GroupCount
	Docs     []ElementDoc
	PropsKey string
	Sum      QuantitySum
}

func (r TaskResult) MarshalJSON() ([]byte, error) {
	switch r.Kind {
	case TaskCount:
		return json.Marshal(map[string]any{"kind": r.Kind, "count": r.Count})
	case TaskDistinct:
		values := r.Values
		if values == nil {
			values = []string{}
		}
		return json.Marshal(map[string]any{"kind": r.Kind, "field": r.Field, "values": values})
	case TaskGroupCount:
		groups := r.Groups
		if groups == nil {
			groups = []GroupCount{}
		}
		return json.Marshal(map[string]any{"kind": r.Kind, "field": r.Field, "rows": groups})
	case TaskList:
		docs := r.Docs
		if docs == nil {
			docs = []ElementDoc{}
		}
		return json.Marshal(map[string]any{"kind": r.Kind, "docs": docs})
	case TaskSumArea, TaskSumVolume:
		totalKey := "total_area"
		if r.Kind == TaskSumVolume {
			totalKey = "total_volume"
		}
		return json.Marshal(map[string]any{
			"kind":         r.Kind,
			"propsFlatKey": r.PropsKey,
			totalKey:       r.Sum.Total,
			"n":            r.Sum.N,
			"unit":         r.Sum.Unit,
			"notes":        r.Sum.Notes,
		})
	default:
		return nil, ErrUnknownTask
	}
}

// Empty reports whether the result carries no matching data, used to steer
// answer synthesis toward a "no results" phrasing.
func (r TaskResult) Empty() bool {
	switch r.Kind {
	case TaskCount:
		return r.Count == 0
	case TaskDistinct:
		return len(r.Values) == 0
	case TaskGroupCount:
		return len(r.Groups) == 0
	case TaskList:
		return len(r.Docs) == 0
	case TaskSumArea, TaskSumVolume:
		return r.Sum.N == 0
	default:
		return true
	}
}
