package ask

import (
	"encoding/json"
	"fmt"

	"github.com/bimquery/bimquery/internal/model"
)

const unifiedSystemPrompt = `You translate building-model questions into query plans.
The user message contains the question plus the model's metadata: its category set,
sample values per filterable parameter, and area/volume property keys.
Respond with a single JSON object and nothing else:
{"intent": "data" or "general",
"task": one of "count", "distinct", "group_count", "list", "sum_area", "sum_volume",
"category": a category from the metadata or "",
"filterParam": a parameter name from the metadata samples or "",
"filterValue": the value to match or "",
"targetParam": the parameter to enumerate or group by (required for distinct and group_count),
"propsFlatKey": the property key to total for sum tasks or "",
"limit": a positive row bound or 0 for the default,
"notes": one short remark or ""}
Use intent "general" for greetings, capability questions, and anything not answerable
from element data. Only use categories and parameter names that appear in the metadata.`

const hintSystemPrompt = `You guess which building-element category a question is about.
The user message contains the question and the model's category list.
Respond with a single JSON object and nothing else: {"category": "<one category from
the list, exactly as written, or empty if none clearly applies>"}`

const intentSystemPrompt = `You classify building-model questions.
Respond with a single JSON object and nothing else: {"intent": "data" or "general"}.
"data" means the question asks about the elements of the model (counts, listings,
values, areas, volumes). "general" means greetings, capability questions, or anything
not answerable from element data.`

const parametersSystemPrompt = `You translate a building-model question into query parameters.
The user message contains the question plus the model's metadata: its category set,
sample values per filterable parameter, and area/volume property keys.
Respond with a single JSON object and nothing else:
{"task": one of "count", "distinct", "group_count", "list", "sum_area", "sum_volume",
"category": a category from the metadata or "",
"filterParam": a parameter name from the metadata samples or "",
"filterValue": the value to match or "",
"targetParam": the parameter to enumerate or group by (required for distinct and group_count),
"propsFlatKey": the property key to total for sum tasks or "",
"limit": a positive row bound or 0 for the default,
"useSemanticSearch": true when the question describes elements loosely rather than by
exact attribute values, otherwise false,
"semanticQuery": a short description of the wanted elements when useSemanticSearch is true,
"topK": a positive candidate bound or 0 for the default,
"notes": one short remark or ""}
Only use categories and parameter names that appear in the metadata.`

const generalSystemPrompt = `You are a building-model assistant. The user asked something
that does not require querying element data. Answer briefly and helpfully. You can answer
questions about a building model's elements: counting them, listing them, enumerating
distinct attribute values, grouping by attribute, and totalling areas or volumes.`

const synthesisSystemPrompt = `You phrase building-model query results as answers.
The user message contains the original question, the executed task, and the result data
as JSON. Answer the question concisely in one or two sentences using only the result data.
If the result is empty, say that nothing matched and suggest rephrasing the question.
Never invent values that are not in the result data.`

func metadataContext(meta model.ModelMetadata) string {
	encoded, err := json.Marshal(meta)
	if err != nil {
		return "{}"
	}
	return string(encoded)
}

func questionWithMetadata(question string, meta model.ModelMetadata) string {
	return fmt.Sprintf("Question: %s\nModel metadata: %s", question, metadataContext(meta))
}

func hintUserPrompt(question string, categories []string) string {
	encoded, err := json.Marshal(categories)
	if err != nil {
		encoded = []byte("[]")
	}
	return fmt.Sprintf("Question: %s\nCategories: %s", question, encoded)
}

func parametersUserPrompt(question, intent string, meta model.ModelMetadata) string {
	return fmt.Sprintf("Question: %s\nIntent: %s\nModel metadata: %s", question, intent, metadataContext(meta))
}

func synthesisUserPrompt(question string, p model.QueryPlan, result model.TaskResult) string {
	encoded, err := json.Marshal(result)
	if err != nil {
		encoded = []byte("{}")
	}
	return fmt.Sprintf("Question: %s\nTask: %s\nCategory: %s\nResult: %s",
		question, p.Task, p.Category, encoded)
}
