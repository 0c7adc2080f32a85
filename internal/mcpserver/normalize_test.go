package mcpserver

import (
	"reflect"
	"testing"
)

func TestNormalize_CarrierForms(t *testing.T) {
	tests := []struct {
		tool string
		in   map[string]any
		want map[string]any
	}{
		{"calc", map[string]any{"random_string": "2^8"}, map[string]any{"expr": "2^8"}},
		{"calc", map[string]any{"raw": " (2+2)*5 "}, map[string]any{"expr": "(2+2)*5"}},
		{"date_time", map[string]any{"text": "epoch please"}, map[string]any{"format": "epoch"}},
		{"date_time", map[string]any{"payload": "RFC3339"}, map[string]any{"format": "rfc"}},
		{"date_time", map[string]any{"raw": "ISO-8601"}, map[string]any{"format": "iso"}},
		{"job_status", map[string]any{"random_string": "job-abc"}, map[string]any{"job_id": "job-abc"}},
		{"get_job_result", map[string]any{"text": "job-abc"}, map[string]any{"job_id": "job-abc"}},
		{"cancel_job", map[string]any{"raw": "job-abc"}, map[string]any{"job_id": "job-abc"}},
		{"get_report", map[string]any{"random_string": "42"}, map[string]any{"reportId": "42"}},
		{"get_report_content", map[string]any{"payload": "42"}, map[string]any{"reportId": "42"}},
		{"history", map[string]any{"random_string": "5"}, map[string]any{"limit": 5}},
		{"history", map[string]any{"random_string": "quantum"}, map[string]any{"queryFilter": "quantum"}},
		{"list_research_history", map[string]any{"text": "10"}, map[string]any{"limit": 10}},
		{"retrieve", map[string]any{"random_string": "SELECT id FROM reports"}, map[string]any{"mode": "sql", "sql": "SELECT id FROM reports"}},
		{"retrieve", map[string]any{"random_string": "emergent behavior"}, map[string]any{"mode": "index", "query": "emergent behavior"}},
		{"search_index", map[string]any{"raw": "embeddings"}, map[string]any{"query": "embeddings"}},
		{"search_tools", map[string]any{"text": "job"}, map[string]any{"query": "job"}},
		{"query", map[string]any{"random_string": "SELECT 1"}, map[string]any{"sql": "SELECT 1"}},
		{"execute_sql", map[string]any{"raw": "WITH x AS (SELECT 1) SELECT * FROM x"}, map[string]any{"sql": "WITH x AS (SELECT 1) SELECT * FROM x"}},
		{"index_url", map[string]any{"random_string": "https://example.com"}, map[string]any{"url": "https://example.com"}},
		{"research", map[string]any{"random_string": "why is the sky blue"}, map[string]any{"query": "why is the sky blue"}},
		{"submit_research", map[string]any{"text": "dark matter"}, map[string]any{"query": "dark matter"}},
		{"conduct_research", map[string]any{"payload": "dark matter"}, map[string]any{"query": "dark matter"}},
		{"agent", map[string]any{"raw": "summarize report 3"}, map[string]any{"query": "summarize report 3"}},
	}

	for _, tt := range tests {
		got := Normalize(tt.tool, tt.in)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Normalize(%s, %v) = %v, want %v", tt.tool, tt.in, got, tt.want)
		}
	}
}

func TestNormalize_Aliases(t *testing.T) {
	tests := []struct {
		tool string
		in   map[string]any
		want map[string]any
	}{
		{"job_status", map[string]any{"jobId": "j1"}, map[string]any{"job_id": "j1"}},
		{"get_job_status", map[string]any{"id": "j1"}, map[string]any{"job_id": "j1"}},
		{"get_job_result", map[string]any{"id": "j1", "wait_seconds": float64(2)}, map[string]any{"job_id": "j1", "wait_seconds": float64(2)}},
		{"get_report", map[string]any{"report_id": "7"}, map[string]any{"reportId": "7"}},
		{"get_report_content", map[string]any{"id": "7", "mode": "full"}, map[string]any{"reportId": "7", "mode": "full"}},
		{"research", map[string]any{"q": "black holes"}, map[string]any{"query": "black holes"}},
		{"agent", map[string]any{"q": "black holes", "action": "research"}, map[string]any{"query": "black holes", "action": "research"}},
	}

	for _, tt := range tests {
		got := Normalize(tt.tool, tt.in)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Normalize(%s, %v) = %v, want %v", tt.tool, tt.in, got, tt.want)
		}
	}
}

func TestNormalize_AliasDoesNotClobberCanonical(t *testing.T) {
	in := map[string]any{"job_id": "canonical", "id": "alias"}
	got := Normalize("job_status", in)
	if got["job_id"] != "canonical" {
		t.Fatalf("canonical key overwritten: %v", got)
	}
	if _, ok := got["id"]; !ok {
		t.Fatalf("alias key dropped when canonical present: %v", got)
	}
}

func TestNormalize_RetrieveModeInference(t *testing.T) {
	tests := []struct {
		name string
		in   map[string]any
		want map[string]any
	}{
		{
			"sql field present",
			map[string]any{"sql": "SELECT 1"},
			map[string]any{"mode": "sql", "sql": "SELECT 1"},
		},
		{
			"query that is sql",
			map[string]any{"query": "SELECT id FROM reports"},
			map[string]any{"mode": "sql", "sql": "SELECT id FROM reports"},
		},
		{
			"query that is prose",
			map[string]any{"query": "protein folding"},
			map[string]any{"mode": "index", "query": "protein folding"},
		},
		{
			"explicit mode untouched",
			map[string]any{"mode": "index", "query": "SELECT but really a search"},
			map[string]any{"mode": "index", "query": "SELECT but really a search"},
		},
	}

	for _, tt := range tests {
		got := Normalize("retrieve", tt.in)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("%s: Normalize(retrieve, %v) = %v, want %v", tt.name, tt.in, got, tt.want)
		}
	}
}

func TestNormalize_CanonicalPassthrough(t *testing.T) {
	tests := []struct {
		tool string
		in   map[string]any
	}{
		{"calc", map[string]any{"expr": "1+1"}},
		{"job_status", map[string]any{"job_id": "j1", "view": "events"}},
		{"research", map[string]any{"query": "x", "maxIterations": float64(2)}},
		{"history", map[string]any{"limit": float64(0)}},
		{"ping", map[string]any{"info": true}},
	}

	for _, tt := range tests {
		got := Normalize(tt.tool, tt.in)
		if !reflect.DeepEqual(got, tt.in) {
			t.Errorf("Normalize(%s) mutated canonical args: %v → %v", tt.tool, tt.in, got)
		}
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	inputs := []struct {
		tool string
		in   map[string]any
	}{
		{"calc", map[string]any{"random_string": "2^8"}},
		{"date_time", map[string]any{"raw": "epoch"}},
		{"job_status", map[string]any{"jobId": "j1"}},
		{"retrieve", map[string]any{"random_string": "SELECT 1"}},
		{"retrieve", map[string]any{"query": "plain words"}},
		{"research", map[string]any{"q": "x"}},
		{"history", map[string]any{"random_string": "3"}},
	}

	for _, tt := range inputs {
		once := Normalize(tt.tool, tt.in)
		twice := Normalize(tt.tool, once)
		if !reflect.DeepEqual(once, twice) {
			t.Errorf("Normalize(%s) not idempotent: %v → %v", tt.tool, once, twice)
		}
	}
}

func TestNormalize_UnknownToolKeepsCarrier(t *testing.T) {
	got := Normalize("no_such_tool", map[string]any{"random_string": "whatever"})
	if got["random_string"] != "whatever" {
		t.Fatalf("unknown tool carrier rewritten: %v", got)
	}
}

func TestNormalize_NilArgs(t *testing.T) {
	got := Normalize("ping", nil)
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty map for nil args, got %v", got)
	}
}

func TestNormalize_CarrierRequiresSingleKey(t *testing.T) {
	in := map[string]any{"random_string": "2^8", "expr": "1+1"}
	got := Normalize("calc", in)
	if !reflect.DeepEqual(got, in) {
		t.Fatalf("multi-key args treated as carrier: %v", got)
	}
}

func TestLooksLikeSQL(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"SELECT * FROM reports", true},
		{"  select id from jobs", true},
		{"WITH x AS (SELECT 1) SELECT * FROM x", true},
		{"mode:sql count the rows", true},
		{"please run SELECT count(*)", true},
		{"selection bias in sampling", false},
		{"what is emergence", false},
	}

	for _, tt := range tests {
		if got := looksLikeSQL(tt.in); got != tt.want {
			t.Errorf("looksLikeSQL(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
