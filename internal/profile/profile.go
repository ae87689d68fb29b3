// Package profile loads a party's negotiation profile from YAML or JSON and
// turns it into a domain and a utility specification.
package profile

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"meanbot.ai/internal/negotiation/domain"
	"meanbot.ai/internal/negotiation/utility"
)

var ErrInvalidProfile = utility.ErrInvalidProfile

const schemaURL = "https://meanbot.ai/schemas/profile.schema.json"

//go:embed profile.schema.json
var schemaJSON []byte

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiled() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile(schemaURL)
	})
	return schema, schemaErr
}

type Profile struct {
	Name             string  `json:"name,omitempty" yaml:"name,omitempty"`
	ReservationValue float64 `json:"reservation_value,omitempty" yaml:"reservation_value,omitempty"`
	DiscountFactor   float64 `json:"discount_factor,omitempty" yaml:"discount_factor,omitempty"`
	Issues           []Issue `json:"issues" yaml:"issues"`
}

type Issue struct {
	Number    int       `json:"number" yaml:"number"`
	Name      string    `json:"name,omitempty" yaml:"name,omitempty"`
	Kind      string    `json:"kind" yaml:"kind"`
	Weight    float64   `json:"weight" yaml:"weight"`
	Values    []string  `json:"values,omitempty" yaml:"values,omitempty"`
	Low       float64   `json:"low" yaml:"low,omitempty"`
	High      float64   `json:"high" yaml:"high,omitempty"`
	Steps     int       `json:"steps,omitempty" yaml:"steps,omitempty"`
	Evaluator Evaluator `json:"evaluator" yaml:"evaluator"`
}

// Evaluator keys are value literals: the value itself for discrete issues,
// decimal numbers for ranges.
type Evaluator struct {
	Kind  string             `json:"kind" yaml:"kind"`
	Table map[string]float64 `json:"table,omitempty" yaml:"table,omitempty"`
}

// Load reads a profile file; .json files are parsed as JSON, anything else
// as YAML.
func Load(path string) (Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, err
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return ParseJSON(raw)
	}
	return ParseYAML(raw)
}

func ParseYAML(raw []byte) (Profile, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Profile{}, fmt.Errorf("%w: yaml: %v", ErrInvalidProfile, err)
	}
	b, err := json.Marshal(jsonify(doc))
	if err != nil {
		return Profile{}, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	return ParseJSON(b)
}

// jsonify rewrites YAML mappings with non-string keys, such as numeric
// table keys, into JSON objects.
func jsonify(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, x := range t {
			t[k] = jsonify(x)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[fmt.Sprint(k)] = jsonify(x)
		}
		return out
	case []any:
		for i, x := range t {
			t[i] = jsonify(x)
		}
		return t
	default:
		return v
	}
}

func ParseJSON(raw []byte) (Profile, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Profile{}, fmt.Errorf("%w: json: %v", ErrInvalidProfile, err)
	}
	return Decode(doc)
}

// Decode validates a generic JSON document against the profile schema and
// decodes it.
func Decode(doc any) (Profile, error) {
	s, err := compiled()
	if err != nil {
		return Profile{}, fmt.Errorf("profile schema: %w", err)
	}
	if err := s.Validate(doc); err != nil {
		return Profile{}, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return Profile{}, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	var p Profile
	if err := json.Unmarshal(b, &p); err != nil {
		return Profile{}, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	return p, nil
}

// Build converts the profile into a domain and a utility specification.
// Range bounds and table keys are checked here; the schema covers shape only.
func (p Profile) Build() (*domain.Domain, utility.Spec, error) {
	issues := make([]domain.Issue, 0, len(p.Issues))
	for _, is := range p.Issues {
		r, err := is.rangeOf()
		if err != nil {
			return nil, utility.Spec{}, err
		}
		issues = append(issues, domain.Issue{Number: is.Number, Name: is.Name, Range: r})
	}
	d, err := domain.New(issues)
	if err != nil {
		return nil, utility.Spec{}, err
	}

	spec := utility.Spec{
		ReservationValue: p.ReservationValue,
		DiscountFactor:   p.DiscountFactor,
	}
	for _, is := range p.Issues {
		table := make(map[domain.Value]float64, len(is.Evaluator.Table))
		for key, score := range is.Evaluator.Table {
			v, err := is.parseValue(key)
			if err != nil {
				return nil, utility.Spec{}, err
			}
			table[v] = score
		}
		spec.Issues = append(spec.Issues, utility.IssueSpec{
			Issue:     is.Number,
			Weight:    is.Weight,
			Evaluator: utility.Evaluator{Kind: utility.EvaluatorKind(is.Evaluator.Kind), Table: table},
		})
	}
	return d, spec, nil
}

func (is Issue) rangeOf() (domain.Range, error) {
	switch is.Kind {
	case "discrete":
		return domain.Discrete{Values: append([]string(nil), is.Values...)}, nil
	case "integer":
		if is.Low != float64(int(is.Low)) || is.High != float64(int(is.High)) {
			return nil, fmt.Errorf("%w: issue %d integer bounds %g..%g", ErrInvalidProfile, is.Number, is.Low, is.High)
		}
		return domain.IntegerRange{Low: int(is.Low), High: int(is.High)}, nil
	case "real":
		return domain.RealRange{Low: is.Low, High: is.High, Steps: is.Steps}, nil
	default:
		return nil, fmt.Errorf("%w: issue %d kind %q", ErrInvalidProfile, is.Number, is.Kind)
	}
}

func (is Issue) parseValue(key string) (domain.Value, error) {
	switch is.Kind {
	case "integer":
		n, err := strconv.Atoi(strings.TrimSpace(key))
		if err != nil {
			return domain.Value{}, fmt.Errorf("%w: issue %d table key %q is not an integer", ErrInvalidProfile, is.Number, key)
		}
		return domain.Int(n), nil
	case "real":
		f, err := strconv.ParseFloat(strings.TrimSpace(key), 64)
		if err != nil {
			return domain.Value{}, fmt.Errorf("%w: issue %d table key %q is not a number", ErrInvalidProfile, is.Number, key)
		}
		return domain.Real(f), nil
	default:
		return domain.Str(key), nil
	}
}

// Model loads, validates and builds a profile in one step.
func Model(path string) (*utility.Model, error) {
	p, err := Load(path)
	if err != nil {
		return nil, err
	}
	d, spec, err := p.Build()
	if err != nil {
		return nil, err
	}
	return utility.Build(d, spec)
}

// IsInvalid reports whether err is a profile or domain shape error.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalidProfile) || errors.Is(err, domain.ErrInvalidDomain) || errors.Is(err, utility.ErrUnsupportedDomainKind)
}
