package jobs

import (
	"strings"
	"testing"
)

func TestNormalizeQuery(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"Solid State Batteries", "solid state batteries"},
		{"  spaced \t out\nquery  ", "spaced out query"},
		{"already normal", "already normal"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := NormalizeQuery(tc.in); got != tc.want {
			t.Errorf("NormalizeQuery(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestCanonicalKeyStable(t *testing.T) {
	a := CanonicalKey("", Identity{Query: "How Do Heat Pumps Work", CostPreference: "low", AudienceLevel: "expert", OutputFormat: "report", IncludeSources: true})
	b := CanonicalKey("", Identity{Query: "  how do   heat pumps work ", CostPreference: "low", AudienceLevel: "expert", OutputFormat: "report", IncludeSources: true})
	if a != b {
		t.Fatalf("equivalent queries produced different keys: %s vs %s", a, b)
	}
	if !strings.HasPrefix(a, "rq:") {
		t.Fatalf("key %q missing rq: prefix", a)
	}
	if len(a) != len("rq:")+64 {
		t.Fatalf("key length = %d, want 67", len(a))
	}
}

func TestCanonicalKeyDistinguishesFields(t *testing.T) {
	base := Identity{Query: "heat pumps", CostPreference: "low", AudienceLevel: "expert", OutputFormat: "report", IncludeSources: true}
	variants := []Identity{
		{Query: "heat pumps explained", CostPreference: "low", AudienceLevel: "expert", OutputFormat: "report", IncludeSources: true},
		{Query: "heat pumps", CostPreference: "high", AudienceLevel: "expert", OutputFormat: "report", IncludeSources: true},
		{Query: "heat pumps", CostPreference: "low", AudienceLevel: "beginner", OutputFormat: "report", IncludeSources: true},
		{Query: "heat pumps", CostPreference: "low", AudienceLevel: "expert", OutputFormat: "summary", IncludeSources: true},
		{Query: "heat pumps", CostPreference: "low", AudienceLevel: "expert", OutputFormat: "report", IncludeSources: false},
	}
	ref := CanonicalKey("", base)
	for i, v := range variants {
		if CanonicalKey("", v) == ref {
			t.Errorf("variant %d collided with the base key", i)
		}
	}
}

func TestCanonicalKeyClientOverride(t *testing.T) {
	id := Identity{Query: "anything"}
	if got := CanonicalKey("my-key", id); got != "my-key" {
		t.Fatalf("client key not honored: %q", got)
	}
}

func TestNotifyTarget(t *testing.T) {
	if got := notifyTarget([]byte(`{"query":"x","notify":"https://example.com/hook"}`)); got != "https://example.com/hook" {
		t.Fatalf("notifyTarget = %q", got)
	}
	if got := notifyTarget([]byte(`{"query":"x"}`)); got != "" {
		t.Fatalf("notifyTarget without field = %q", got)
	}
	if got := notifyTarget(nil); got != "" {
		t.Fatalf("notifyTarget(nil) = %q", got)
	}
	if got := notifyTarget([]byte(`not json`)); got != "" {
		t.Fatalf("notifyTarget(garbage) = %q", got)
	}
}
