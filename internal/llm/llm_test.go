package llm

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/linnemanlabs/reliefdesk/internal/extract"
	"github.com/linnemanlabs/reliefdesk/internal/taxonomy"
)

func TestExtractJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"bare", `{"a":1}`, `{"a":1}`},
		{"fenced", "Here you go:\n```json\n{\"a\":1}\n```\nThanks", `{"a":1}`},
		{"prose around", `Sure! {"a":1} hope that helps`, `{"a":1}`},
		{"trailing comma", `{"a":[1,2,],}`, `{"a":[1,2]}`},
		{"line comment", "{\n\"url\": \"http://x\", // the url\n\"b\": 2\n}", "{\n\"url\": \"http://x\",\n\"b\": 2\n}"},
		{"none", "I cannot help with that", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := ExtractJSON(tt.content); got != tt.want {
				t.Errorf("ExtractJSON = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDecode(t *testing.T) {
	t.Parallel()

	tax := taxonomy.MustDefault()
	reply := "```json\n" + `{
  "supplies": [
    {"item": "Insulin", "category": "medical", "quantity": 3, "unit": "vials", "priority": "critical"},
    {"item": "rice", "category": "", "quantity": null, "unit": null},
    {"item": "helicopter", "category": "transport", "quantity": 1, "priority": "high"},
    {"item": "", "category": "food"}
  ],
  "locations": [{"type": "hospital", "name": "Mercy General"}, {"type": "", "name": "St. Mary's Church"}],
  "vulnerable_groups": [{"group": "kids", "count": 12, "special_needs": "  "}],
  "urgency": "HIGH",
  "confidence": 0.91,
  "uncertain_items": ["road status", " "],
}` + "\n```"

	res, err := Decode(reply, tax)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if res.ExtractionMethod != extract.MethodLLM {
		t.Errorf("method = %q, want llm", res.ExtractionMethod)
	}
	if res.Confidence != 0.91 {
		t.Errorf("confidence = %v, want 0.91", res.Confidence)
	}
	if res.Urgency != taxonomy.UrgencyHigh {
		t.Errorf("urgency = %q, want high", res.Urgency)
	}

	if len(res.Supplies) != 3 {
		t.Fatalf("supplies = %+v, want 3", res.Supplies)
	}
	ins := res.Supplies[0]
	if ins.Item != "insulin" || ins.Category != "medical" || ins.Quantity == nil || *ins.Quantity != 3 || *ins.Unit != "vials" {
		t.Errorf("insulin = %+v", ins)
	}
	rice := res.Supplies[1]
	if rice.Category != "food" || rice.Priority != taxonomy.PriorityHigh || rice.Unit == nil || *rice.Unit != "packets" {
		t.Errorf("rice should be classified from its item: %+v", rice)
	}
	heli := res.Supplies[2]
	if heli.Category != taxonomy.Uncategorized || heli.Priority != taxonomy.PriorityHigh {
		t.Errorf("helicopter = %+v", heli)
	}

	if len(res.Locations) != 2 || res.Locations[0].Type != "hospital" || res.Locations[1].Type != "religious" {
		t.Errorf("locations = %+v", res.Locations)
	}

	if len(res.VulnerableGroups) != 1 {
		t.Fatalf("groups = %+v", res.VulnerableGroups)
	}
	g := res.VulnerableGroups[0]
	if g.Group != "children" || g.Count == nil || *g.Count != 12 || g.SpecialNeeds != nil || g.Priority != taxonomy.PriorityHigh {
		t.Errorf("group = %+v", g)
	}

	joined := strings.Join(res.UncertainItems, "|")
	if !strings.Contains(joined, "road status") || !strings.Contains(joined, "unclassified supply: helicopter") {
		t.Errorf("uncertain = %v", res.UncertainItems)
	}
}

func TestDecodeDefaults(t *testing.T) {
	t.Parallel()

	res, err := Decode(`{"supplies": []}`, taxonomy.MustDefault())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if res.Confidence != DefaultConfidence {
		t.Errorf("confidence = %v, want %v", res.Confidence, DefaultConfidence)
	}
	if res.Urgency != "" {
		t.Errorf("urgency = %q, want empty", res.Urgency)
	}
	if res.Locations == nil || res.VulnerableGroups == nil || res.UncertainItems == nil {
		t.Error("collections should be non-nil")
	}
}

func TestDecodeMalformed(t *testing.T) {
	t.Parallel()

	for _, reply := range []string{"no json here", `{"supplies": "lots"}`, `{"supplies": [}`} {
		_, err := Decode(reply, taxonomy.MustDefault())
		if !errors.Is(err, ErrMalformed) {
			t.Errorf("Decode(%q) error = %v, want ErrMalformed", reply, err)
		}
	}
}

func TestPrompts(t *testing.T) {
	t.Parallel()

	sys := SystemPrompt(taxonomy.MustDefault().Summary())
	if !strings.Contains(sys, "medical (critical)") {
		t.Error("system prompt should embed the taxonomy summary")
	}
	if !strings.Contains(sys, `"uncertain_items"`) {
		t.Error("system prompt should describe the reply shape")
	}
	user := UserPrompt("  need water  ")
	if !strings.Contains(user, "\nneed water\n") {
		t.Errorf("user prompt = %q", user)
	}
}

func TestDecodeQuantities(t *testing.T) {
	t.Parallel()

	tax := taxonomy.MustDefault()
	reply := `{
  "supplies": [
    {"item": "water bottle", "category": "water", "quantity": 1e30},
    {"item": "rice", "category": "food", "quantity": 2.5},
    {"item": "blanket", "category": "clothing", "quantity": -4}
  ],
  "vulnerable_groups": [{"group": "children", "count": 9223372036854775807}],
  "confidence": 0.8
}`

	res, err := Decode(reply, tax)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(res.Supplies) != 3 {
		t.Fatalf("supplies = %+v", res.Supplies)
	}
	if q := res.Supplies[0].Quantity; q == nil || *q != math.MaxInt32 {
		t.Errorf("huge quantity = %v, want capped at MaxInt32", q)
	}
	if q := res.Supplies[1].Quantity; q == nil || *q != 3 {
		t.Errorf("fractional quantity = %v, want 3", q)
	}
	if q := res.Supplies[2].Quantity; q != nil {
		t.Errorf("negative quantity = %d, want nil", *q)
	}
	if len(res.VulnerableGroups) != 1 {
		t.Fatalf("groups = %+v", res.VulnerableGroups)
	}
	if c := res.VulnerableGroups[0].Count; c == nil || *c != math.MaxInt32 {
		t.Errorf("huge count = %v, want capped at MaxInt32", c)
	}
}
