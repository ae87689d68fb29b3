package profile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"meanbot.ai/internal/negotiation/domain"
	"meanbot.ai/internal/negotiation/utility"
)

func TestLoad_SampleProfiles(t *testing.T) {
	for _, name := range []string{"buyer.yaml", "seller.yaml"} {
		m, err := Model(filepath.Join("..", "..", "configs", "profiles", name))
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if m.Domain().Len() != 3 {
			t.Fatalf("%s: issues=%d want 3", name, m.Domain().Len())
		}
		if got := len(m.Domain().Values(2)); got != 5 {
			t.Fatalf("%s: quantity values=%d want 5", name, got)
		}
		if m.DiscountFactor() != 0.9 || m.ReservationValue() != 0.3 {
			t.Fatalf("%s: scalars discount=%g reservation=%g", name, m.DiscountFactor(), m.ReservationValue())
		}
	}
}

func TestParseJSON_RealRange(t *testing.T) {
	p, err := ParseJSON([]byte(`{
	  "issues":[
	    {"number":1,"kind":"real","weight":1,"low":0,"high":1,"steps":3,
	     "evaluator":{"kind":"table","table":{"0":1,"0.5":2,"1":1}}}
	  ]
	}`))
	if err != nil {
		t.Fatalf("ParseJSON: %v", err)
	}
	d, spec, err := p.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	m, err := utility.Build(d, spec)
	if err != nil {
		t.Fatalf("utility.Build: %v", err)
	}
	w, ok := m.ValueWeight(1, domain.Real(0.5))
	if !ok || w != 0.5 {
		t.Fatalf("weight(0.5)=%g ok=%v want 0.5", w, ok)
	}
}

func TestDecode_SchemaRejects(t *testing.T) {
	cases := map[string]string{
		"no issues":       `{"issues":[]}`,
		"unknown field":   `{"issues":[{"number":1,"kind":"discrete","weight":1,"values":["a"],"evaluator":{"kind":"table"}}],"color":"red"}`,
		"discrete values": `{"issues":[{"number":1,"kind":"discrete","weight":1,"evaluator":{"kind":"table"}}]}`,
		"real steps":      `{"issues":[{"number":1,"kind":"real","weight":1,"low":0,"high":1,"evaluator":{"kind":"table"}}]}`,
		"negative score":  `{"issues":[{"number":1,"kind":"discrete","weight":1,"values":["a"],"evaluator":{"kind":"table","table":{"a":-1}}}]}`,
		"reservation":     `{"reservation_value":2,"issues":[{"number":1,"kind":"discrete","weight":1,"values":["a"],"evaluator":{"kind":"table"}}]}`,
	}
	for name, doc := range cases {
		if _, err := ParseJSON([]byte(doc)); !errors.Is(err, ErrInvalidProfile) {
			t.Fatalf("%s: err=%v want ErrInvalidProfile", name, err)
		}
	}
}

func TestBuild_FunctionalEvaluatorUnsupported(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p.yaml")
	raw := `
issues:
  - number: 1
    kind: integer
    weight: 1
    low: 0
    high: 10
    evaluator:
      kind: linear
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := Model(path)
	if !errors.Is(err, utility.ErrUnsupportedDomainKind) {
		t.Fatalf("err=%v want ErrUnsupportedDomainKind", err)
	}
	if !IsInvalid(err) {
		t.Fatalf("IsInvalid(%v)=false", err)
	}
}

func TestBuild_BadTableKey(t *testing.T) {
	p, err := ParseYAML([]byte(`
issues:
  - number: 1
    kind: integer
    weight: 1
    low: 0
    high: 3
    evaluator: {kind: table, table: {two: 1}}
`))
	if err != nil {
		t.Fatalf("ParseYAML: %v", err)
	}
	if _, _, err := p.Build(); !errors.Is(err, ErrInvalidProfile) {
		t.Fatalf("err=%v want ErrInvalidProfile", err)
	}
}
