package mcpserver

import (
	"context"

	"github.com/marcus-qen/quaesitor/internal/config"
)

// toolSpec describes one catalog entry: visibility, the canonical strict
// schema enforced after normalization, and the handler.
type toolSpec struct {
	Name        string
	Description string
	// Modes the tool is visible in. Nil means always-on across modes.
	Modes   []string
	Schema  string
	Handler func(s *MCPServer, ctx context.Context, args map[string]any, emit progressFunc) (any, error)
}

func (t *toolSpec) visibleIn(mode string) bool {
	if len(t.Modes) == 0 {
		return true
	}
	for _, m := range t.Modes {
		if m == mode {
			return true
		}
	}
	return false
}

var (
	manualModes = []string{config.ModeManual, config.ModeAll}
	agentModes  = []string{config.ModeAgent, config.ModeAll}
)

// Schema fragments shared by the research entry points.
const researchProperties = `
    "query": {"type": "string", "minLength": 1, "description": "Research question"},
    "costPreference": {"type": "string", "enum": ["high", "low", "very_low"], "description": "Model tier"},
    "audienceLevel": {"type": "string", "description": "Target audience, e.g. expert or general"},
    "outputFormat": {"type": "string", "description": "Report format hint"},
    "includeSources": {"type": "boolean", "description": "Attach per-sub-query sources"},
    "images": {"type": "array", "items": {"type": "string"}, "description": "Image URLs or data URIs"},
    "textDocuments": {"type": "array", "items": {"type": "object", "properties": {"name": {"type": "string"}, "content": {"type": "string"}}, "required": ["content"], "additionalProperties": false}},
    "structuredData": {"type": "array", "items": {"type": "object", "properties": {"name": {"type": "string"}, "data": {}}, "required": ["data"], "additionalProperties": false}},
    "maxIterations": {"type": "integer", "minimum": 1, "maximum": 5},
    "ensembleSize": {"type": "integer", "minimum": 1, "maximum": 8},
    "notify": {"type": "string", "description": "Webhook URL posted on terminal state"},
    "idempotency_key": {"type": "string"},
    "force_new": {"type": "boolean"}`

// catalog returns the full tool table. Registration filters it by mode.
func catalog() []*toolSpec {
	return []*toolSpec{
		{
			Name:        "ping",
			Description: "Liveness check. Returns pong and, with info=true, server identity.",
			Schema: `{"type": "object", "properties": {
				"info": {"type": "boolean", "description": "Include server info"}
			}, "additionalProperties": false}`,
			Handler: (*MCPServer).toolPing,
		},
		{
			Name: "agent",
			Description: "Unified entry point. Routes an action (research, retrieve, followup, status) " +
				"to the matching capability; extra fields pass through to the routed tool.",
			Modes: agentModes,
			Schema: `{"type": "object", "properties": {
				"action": {"type": "string", "enum": ["research", "retrieve", "search", "followup", "follow_up", "status", "result", "cancel"]},
				"query": {"type": "string"}
			}, "additionalProperties": true}`,
			Handler: (*MCPServer).toolAgent,
		},
		{
			Name: "research",
			Description: "Run deep multi-agent research. Async by default: returns a job id plus " +
				"monitor resources. Set async=false for a blocking call.",
			Modes: manualModes,
			Schema: `{"type": "object", "properties": {
				"async": {"type": "boolean", "description": "Submit as background job (default true)"},` + researchProperties + `
			}, "required": ["query"], "additionalProperties": false}`,
			Handler: (*MCPServer).toolResearch,
		},
		{
			Name:        "submit_research",
			Description: "Submit a research job and return immediately with its id.",
			Modes:       manualModes,
			Schema: `{"type": "object", "properties": {` + researchProperties + `
			}, "required": ["query"], "additionalProperties": false}`,
			Handler: (*MCPServer).toolSubmitResearch,
		},
		{
			Name:        "conduct_research",
			Description: "Run research synchronously and return the finished report.",
			Modes:       manualModes,
			Schema: `{"type": "object", "properties": {` + researchProperties + `
			}, "required": ["query"], "additionalProperties": false}`,
			Handler: (*MCPServer).toolConductResearch,
		},
		{
			Name:        "job_status",
			Description: "Inspect a job: summary by default, or its event log, or both.",
			Schema: `{"type": "object", "properties": {
				"job_id": {"type": "string", "minLength": 1},
				"format": {"type": "string", "enum": ["summary", "events", "full"]}
			}, "required": ["job_id"], "additionalProperties": false}`,
			Handler: (*MCPServer).toolJobStatus,
		},
		{
			Name:        "get_job_status",
			Description: "Alias of job_status.",
			Schema: `{"type": "object", "properties": {
				"job_id": {"type": "string", "minLength": 1},
				"format": {"type": "string", "enum": ["summary", "events", "full"]}
			}, "required": ["job_id"], "additionalProperties": false}`,
			Handler: (*MCPServer).toolJobStatus,
		},
		{
			Name:        "get_job_result",
			Description: "Fetch the stored result of a finished job.",
			Schema: `{"type": "object", "properties": {
				"job_id": {"type": "string", "minLength": 1}
			}, "required": ["job_id"], "additionalProperties": false}`,
			Handler: (*MCPServer).toolJobResult,
		},
		{
			Name:        "cancel_job",
			Description: "Request cooperative cancellation of a queued or running job.",
			Schema: `{"type": "object", "properties": {
				"job_id": {"type": "string", "minLength": 1}
			}, "required": ["job_id"], "additionalProperties": false}`,
			Handler: (*MCPServer).toolCancelJob,
		},
		{
			Name: "retrieve",
			Description: "Search past research. Index mode runs hybrid BM25+vector search; " +
				"sql mode runs a guarded read-only query.",
			Modes: manualModes,
			Schema: `{"type": "object", "properties": {
				"mode": {"type": "string", "enum": ["index", "sql"]},
				"query": {"type": "string"},
				"sql": {"type": "string"},
				"params": {"type": "array"},
				"k": {"type": "integer", "minimum": 1, "maximum": 50},
				"scope": {"type": "string", "enum": ["reports", "docs", "both"]}
			}, "additionalProperties": false}`,
			Handler: (*MCPServer).toolRetrieve,
		},
		{
			Name:        "search",
			Description: "Hybrid index search over reports and indexed documents.",
			Modes:       manualModes,
			Schema: `{"type": "object", "properties": {
				"query": {"type": "string", "minLength": 1},
				"k": {"type": "integer", "minimum": 1, "maximum": 50},
				"scope": {"type": "string", "enum": ["reports", "docs", "both"]}
			}, "required": ["query"], "additionalProperties": false}`,
			Handler: (*MCPServer).toolSearchIndex,
		},
		{
			Name:        "query",
			Description: "Guarded read-only SQL over the research database.",
			Modes:       manualModes,
			Schema: `{"type": "object", "properties": {
				"sql": {"type": "string", "minLength": 1},
				"params": {"type": "array"}
			}, "required": ["sql"], "additionalProperties": false}`,
			Handler: (*MCPServer).toolExecuteSQL,
		},
		{
			Name:        "execute_sql",
			Description: "Guarded read-only SQL over the research database.",
			Modes:       manualModes,
			Schema: `{"type": "object", "properties": {
				"sql": {"type": "string", "minLength": 1},
				"params": {"type": "array"}
			}, "required": ["sql"], "additionalProperties": false}`,
			Handler: (*MCPServer).toolExecuteSQL,
		},
		{
			Name:        "index_texts",
			Description: "Ingest documents into the hybrid index.",
			Modes:       manualModes,
			Schema: `{"type": "object", "properties": {
				"documents": {"type": "array", "minItems": 1, "items": {"type": "object", "properties": {
					"title": {"type": "string"},
					"body": {"type": "string", "minLength": 1}
				}, "required": ["body"], "additionalProperties": false}},
				"origin": {"type": "string"}
			}, "required": ["documents"], "additionalProperties": false}`,
			Handler: (*MCPServer).toolIndexTexts,
		},
		{
			Name:        "index_url",
			Description: "Fetch a web page, extract its readable text, and index it.",
			Modes:       manualModes,
			Schema: `{"type": "object", "properties": {
				"url": {"type": "string", "minLength": 1}
			}, "required": ["url"], "additionalProperties": false}`,
			Handler: (*MCPServer).toolIndexURL,
		},
		{
			Name:        "search_index",
			Description: "Hybrid index search over reports and indexed documents.",
			Modes:       manualModes,
			Schema: `{"type": "object", "properties": {
				"query": {"type": "string", "minLength": 1},
				"k": {"type": "integer", "minimum": 1, "maximum": 50},
				"scope": {"type": "string", "enum": ["reports", "docs", "both"]}
			}, "required": ["query"], "additionalProperties": false}`,
			Handler: (*MCPServer).toolSearchIndex,
		},
		{
			Name:        "index_status",
			Description: "Index statistics: document counts, vector coverage, last ingest.",
			Modes:       manualModes,
			Schema:      `{"type": "object", "properties": {}, "additionalProperties": false}`,
			Handler:     (*MCPServer).toolIndexStatus,
		},
		{
			Name:        "list_research_history",
			Description: "List recent reports, optionally filtered by query substring.",
			Modes:       manualModes,
			Schema: `{"type": "object", "properties": {
				"limit": {"type": "integer", "minimum": 0, "maximum": 200},
				"queryFilter": {"type": "string"}
			}, "additionalProperties": false}`,
			Handler: (*MCPServer).toolHistory,
		},
		{
			Name:        "history",
			Description: "Alias of list_research_history.",
			Modes:       manualModes,
			Schema: `{"type": "object", "properties": {
				"limit": {"type": "integer", "minimum": 0, "maximum": 200},
				"queryFilter": {"type": "string"}
			}, "additionalProperties": false}`,
			Handler: (*MCPServer).toolHistory,
		},
		{
			Name:        "get_report_content",
			Description: "Fetch a stored report by id, as a summary or in full.",
			Modes:       manualModes,
			Schema: `{"type": "object", "properties": {
				"reportId": {"type": ["string", "integer"]},
				"mode": {"type": "string", "enum": ["summary", "full"]},
				"maxChars": {"type": "integer", "minimum": 1}
			}, "required": ["reportId"], "additionalProperties": false}`,
			Handler: (*MCPServer).toolReportContent,
		},
		{
			Name:        "get_report",
			Description: "Alias of get_report_content.",
			Modes:       manualModes,
			Schema: `{"type": "object", "properties": {
				"reportId": {"type": ["string", "integer"]},
				"mode": {"type": "string", "enum": ["summary", "full"]},
				"maxChars": {"type": "integer", "minimum": 1}
			}, "required": ["reportId"], "additionalProperties": false}`,
			Handler: (*MCPServer).toolReportContent,
		},
		{
			Name:        "list_models",
			Description: "List the model catalog from the gateway, optionally bypassing the cache.",
			Modes:       manualModes,
			Schema: `{"type": "object", "properties": {
				"refresh": {"type": "boolean"}
			}, "additionalProperties": false}`,
			Handler: (*MCPServer).toolListModels,
		},
		{
			Name:        "get_server_status",
			Description: "Server status: uptime, storage mode, job counts, index and embedder readiness.",
			Schema:      `{"type": "object", "properties": {}, "additionalProperties": false}`,
			Handler:     (*MCPServer).toolServerStatus,
		},
		{
			Name:        "list_tools",
			Description: "List the tools visible in the current mode.",
			Modes:       manualModes,
			Schema:      `{"type": "object", "properties": {}, "additionalProperties": false}`,
			Handler:     (*MCPServer).toolListTools,
		},
		{
			Name:        "search_tools",
			Description: "Search visible tools by name or description.",
			Modes:       manualModes,
			Schema: `{"type": "object", "properties": {
				"query": {"type": "string", "minLength": 1}
			}, "required": ["query"], "additionalProperties": false}`,
			Handler: (*MCPServer).toolSearchTools,
		},
		{
			Name:        "date_time",
			Description: "Current server time as iso, rfc, or epoch.",
			Modes:       manualModes,
			Schema: `{"type": "object", "properties": {
				"format": {"type": "string", "enum": ["iso", "rfc", "epoch"]}
			}, "required": ["format"], "additionalProperties": false}`,
			Handler: (*MCPServer).toolDateTime,
		},
		{
			Name:        "calc",
			Description: "Evaluate an arithmetic expression with + - * / % ^ and parentheses.",
			Modes:       manualModes,
			Schema: `{"type": "object", "properties": {
				"expr": {"type": "string", "minLength": 1}
			}, "required": ["expr"], "additionalProperties": false}`,
			Handler: (*MCPServer).toolCalc,
		},
		{
			Name:        "backup_database",
			Description: "Snapshot the embedded database into a tarball under the data directory.",
			Modes:       manualModes,
			Schema: `{"type": "object", "properties": {
				"path": {"type": "string"}
			}, "additionalProperties": false}`,
			Handler: (*MCPServer).toolBackupDatabase,
		},
	}
}
