package mcpserver

import (
	"strconv"
	"strings"
)

// looseCarriers are the argument keys a permissive client may stuff a bare
// string into instead of the schema-typed object.
var looseCarriers = []string{"random_string", "raw", "text", "payload"}

// Normalize rewrites loosely shaped arguments into the tool's canonical
// form. It is conservative: arguments already in canonical shape pass
// through untouched, and the function is idempotent.
func Normalize(tool string, args map[string]any) map[string]any {
	if args == nil {
		return map[string]any{}
	}

	if raw, ok := looseValue(args); ok {
		return normalizeCarrier(tool, raw)
	}
	return normalizeAliases(tool, args)
}

// looseValue detects the single-string-carrier form.
func looseValue(args map[string]any) (string, bool) {
	if len(args) != 1 {
		return "", false
	}
	for _, key := range looseCarriers {
		if v, ok := args[key]; ok {
			if s, ok := v.(string); ok {
				return s, true
			}
		}
	}
	return "", false
}

// normalizeCarrier maps a bare string onto the tool's primary field.
func normalizeCarrier(tool, raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	switch tool {
	case "calc":
		return map[string]any{"expr": raw}

	case "date_time":
		return map[string]any{"format": parseTimeFormat(raw)}

	case "job_status", "get_job_status", "get_job_result", "cancel_job":
		return map[string]any{"job_id": raw}

	case "get_report", "get_report_content":
		return map[string]any{"reportId": raw}

	case "history", "list_research_history":
		if n, err := strconv.Atoi(raw); err == nil {
			return map[string]any{"limit": n}
		}
		return map[string]any{"queryFilter": raw}

	case "retrieve":
		if looksLikeSQL(raw) {
			return map[string]any{"mode": "sql", "sql": raw}
		}
		return map[string]any{"mode": "index", "query": raw}

	case "search", "search_index", "search_tools":
		return map[string]any{"query": raw}

	case "query", "execute_sql":
		return map[string]any{"sql": raw}

	case "index_url":
		return map[string]any{"url": raw}

	case "research", "submit_research", "conduct_research", "agent":
		return map[string]any{"query": raw}

	default:
		// No carrier rule: let the strict schema reject the unknown key.
		return map[string]any{"random_string": raw}
	}
}

// normalizeAliases renames well-known alternate keys onto canonical ones.
// A rename only happens when the canonical key is absent.
func normalizeAliases(tool string, args map[string]any) map[string]any {
	switch tool {
	case "job_status", "get_job_status", "get_job_result", "cancel_job":
		args = renameKey(args, "jobId", "job_id")
		args = renameKey(args, "id", "job_id")

	case "get_report", "get_report_content":
		args = renameKey(args, "report_id", "reportId")
		args = renameKey(args, "id", "reportId")

	case "research", "submit_research", "conduct_research", "agent":
		args = renameKey(args, "q", "query")

	case "retrieve":
		args = renameKey(args, "q", "query")
		args = inferRetrieveMode(args)
	}
	return args
}

func renameKey(args map[string]any, from, to string) map[string]any {
	v, ok := args[from]
	if !ok {
		return args
	}
	if _, exists := args[to]; exists {
		return args
	}
	out := make(map[string]any, len(args))
	for k, val := range args {
		if k == from {
			continue
		}
		out[k] = val
	}
	out[to] = v
	return out
}

// inferRetrieveMode fills a missing mode from the fields present.
func inferRetrieveMode(args map[string]any) map[string]any {
	if _, ok := args["mode"]; ok {
		return args
	}
	out := make(map[string]any, len(args)+1)
	for k, v := range args {
		out[k] = v
	}
	if sqlText, ok := args["sql"].(string); ok && strings.TrimSpace(sqlText) != "" {
		out["mode"] = "sql"
		return out
	}
	if q, ok := args["query"].(string); ok {
		if looksLikeSQL(q) {
			out["mode"] = "sql"
			out["sql"] = q
			delete(out, "query")
			return out
		}
		out["mode"] = "index"
		return out
	}
	return args
}

// looksLikeSQL spots statements intended for the guarded SQL path. The
// trailing space matters: "selection bias" is prose, "select id" is not.
func looksLikeSQL(s string) bool {
	upper := strings.ToUpper(strings.TrimSpace(s))
	if strings.HasPrefix(upper, "SELECT ") || strings.HasPrefix(upper, "WITH ") {
		return true
	}
	return strings.Contains(upper, "MODE:SQL") || strings.Contains(upper, "SELECT ")
}

// parseTimeFormat extracts one of the supported format names from loose
// input like "epoch please" or "RFC3339".
func parseTimeFormat(raw string) string {
	lower := strings.ToLower(raw)
	for _, format := range []string{"epoch", "rfc", "iso"} {
		if strings.Contains(lower, format) {
			return format
		}
	}
	if lower == "" {
		return "iso"
	}
	return lower
}
