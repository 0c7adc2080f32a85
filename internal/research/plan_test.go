package research

import (
	"fmt"
	"strings"
	"testing"
)

func TestParsePlanValid(t *testing.T) {
	text := `<agent_1>How do solid state batteries store energy?</agent_1>
<agent_2 domain="science">What electrolyte materials are in use?</agent_2>
<agent_3>What manufacturing hurdles remain?</agent_3>`

	subqs, err := parsePlan(text)
	if err != nil {
		t.Fatalf("parsePlan: %v", err)
	}
	if len(subqs) != 3 {
		t.Fatalf("got %d sub-queries, want 3", len(subqs))
	}
	if subqs[0].Index != 1 || subqs[1].Index != 2 || subqs[2].Index != 3 {
		t.Fatalf("indices = %d,%d,%d", subqs[0].Index, subqs[1].Index, subqs[2].Index)
	}
	if subqs[1].Domain != "science" {
		t.Fatalf("domain = %q, want science", subqs[1].Domain)
	}
	if subqs[0].Domain != "" {
		t.Fatalf("unexpected domain %q on agent_1", subqs[0].Domain)
	}
	if !strings.Contains(subqs[2].Text, "manufacturing") {
		t.Fatalf("body = %q", subqs[2].Text)
	}
}

func TestParsePlanToleratesSurroundingProse(t *testing.T) {
	text := `Here is my plan:
<agent_1>first question</agent_1>
<agent_2>second question</agent_2>
<agent_3>third question</agent_3>
Hope that helps!`

	subqs, err := parsePlan(text)
	if err != nil {
		t.Fatalf("parsePlan: %v", err)
	}
	if len(subqs) != 3 {
		t.Fatalf("got %d sub-queries, want 3", len(subqs))
	}
}

func TestParsePlanOrdersByIndex(t *testing.T) {
	text := `<agent_3>third</agent_3><agent_1>first</agent_1><agent_2>second</agent_2>`
	subqs, err := parsePlan(text)
	if err != nil {
		t.Fatalf("parsePlan: %v", err)
	}
	if subqs[0].Text != "first" || subqs[2].Text != "third" {
		t.Fatalf("order = %q,%q,%q", subqs[0].Text, subqs[1].Text, subqs[2].Text)
	}
}

func TestParsePlanRejections(t *testing.T) {
	cases := []struct {
		name string
		text string
	}{
		{"free form text", "I think we should research batteries first."},
		{"too few", "<agent_1>a</agent_1><agent_2>b</agent_2>"},
		{"too many", manyTags(9)},
		{"duplicate index", "<agent_1>a</agent_1><agent_1>b</agent_1><agent_2>c</agent_2>"},
		{"unclosed", "<agent_1>a</agent_1><agent_2>b<agent_3>c</agent_3>"},
		{"empty body", "<agent_1>a</agent_1><agent_2>   </agent_2><agent_3>c</agent_3>"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := parsePlan(tc.text); err == nil {
				t.Fatalf("parsePlan accepted %q", tc.text)
			}
		})
	}
}

func manyTags(n int) string {
	var b strings.Builder
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, "<agent_%d>question %d</agent_%d>", i, i, i)
	}
	return b.String()
}
