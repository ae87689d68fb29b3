package tuning

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"meanbot.ai/internal/negotiation/bidspace"
	"meanbot.ai/internal/negotiation/concession"
	"meanbot.ai/internal/negotiation/engine"
	"meanbot.ai/internal/negotiation/opponent"
	"meanbot.ai/internal/negotiation/welfare"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version" json:"protocol_version"`

	Policy            string `yaml:"policy" json:"policy"`
	WelfareMode       string `yaml:"welfare_mode" json:"welfare_mode"`
	OpponentWeighting string `yaml:"opponent_weighting" json:"opponent_weighting"`

	EnumerationLimit    int     `yaml:"enumeration_limit" json:"enumeration_limit"`
	DiscretizationSteps int     `yaml:"discretization_steps" json:"discretization_steps"`
	TurnBudgetMs        int     `yaml:"turn_budget_ms" json:"turn_budget_ms"`
	SampleBudgetMs      int     `yaml:"sample_budget_ms" json:"sample_budget_ms"`
	DeadlineGuard       float64 `yaml:"deadline_guard" json:"deadline_guard"`

	RateLimits RateLimits `yaml:"rate_limits" json:"rate_limits"`
}

// RateLimits bounds inbound websocket messages per connection.
type RateLimits struct {
	MessagesPerSecond float64 `yaml:"messages_per_second" json:"messages_per_second"`
	Burst             int     `yaml:"burst" json:"burst"`
}

func Defaults() Tuning {
	return Tuning{
		ProtocolVersion:     "1.0",
		Policy:              string(concession.KindWelfare),
		WelfareMode:         string(welfare.ModeProduct),
		OpponentWeighting:   "unit",
		EnumerationLimit:    bidspace.DefaultEnumerationLimit,
		DiscretizationSteps: bidspace.DefaultDiscretizationSteps,
		TurnBudgetMs:        int(engine.DefaultTurnBudget / time.Millisecond),
		SampleBudgetMs:      int(bidspace.DefaultBudget / time.Millisecond),
		DeadlineGuard:       engine.DefaultDeadlineGuard,
		RateLimits: RateLimits{
			MessagesPerSecond: 50,
			Burst:             100,
		},
	}
}

// Load reads a tuning file. Keys missing from the file keep their defaults.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	var errs []error
	if _, err := concession.New(concession.Kind(t.Policy), nil); err != nil {
		errs = append(errs, err)
	}
	if _, err := welfare.ParseMode(t.WelfareMode); err != nil {
		errs = append(errs, err)
	}
	if _, err := opponent.ParseWeighting(t.OpponentWeighting); err != nil {
		errs = append(errs, err)
	}
	if t.EnumerationLimit <= 0 || t.EnumerationLimit > bidspace.MaxEnumerationLimit {
		errs = append(errs, fmt.Errorf("enumeration_limit must be in [1,%d], got %d", bidspace.MaxEnumerationLimit, t.EnumerationLimit))
	}
	if t.DiscretizationSteps < 2 {
		errs = append(errs, fmt.Errorf("discretization_steps must be at least 2, got %d", t.DiscretizationSteps))
	}
	if t.TurnBudgetMs <= 0 || t.SampleBudgetMs <= 0 {
		errs = append(errs, fmt.Errorf("turn_budget_ms and sample_budget_ms must be positive"))
	} else if t.SampleBudgetMs > t.TurnBudgetMs {
		errs = append(errs, fmt.Errorf("sample_budget_ms %d exceeds turn_budget_ms %d", t.SampleBudgetMs, t.TurnBudgetMs))
	}
	if t.DeadlineGuard <= 0 || t.DeadlineGuard > 1 {
		errs = append(errs, fmt.Errorf("deadline_guard must be in (0,1], got %g", t.DeadlineGuard))
	}
	if t.RateLimits.MessagesPerSecond < 0 || t.RateLimits.Burst < 0 {
		errs = append(errs, fmt.Errorf("rate_limits must not be negative"))
	}
	return errors.Join(errs...)
}

// Engine fills the tuning-controlled parts of an engine configuration.
func (t Tuning) Engine(cfg engine.Config) (engine.Config, error) {
	w, err := opponent.ParseWeighting(t.OpponentWeighting)
	if err != nil {
		return cfg, err
	}
	mode, err := welfare.ParseMode(t.WelfareMode)
	if err != nil {
		return cfg, err
	}
	cfg.Policy = concession.Kind(t.Policy)
	cfg.WelfareMode = mode
	cfg.Weighting = w
	cfg.Sampling = bidspace.Config{
		EnumerationLimit:    t.EnumerationLimit,
		DiscretizationSteps: t.DiscretizationSteps,
		Budget:              time.Duration(t.SampleBudgetMs) * time.Millisecond,
	}
	cfg.TurnBudget = time.Duration(t.TurnBudgetMs) * time.Millisecond
	cfg.DeadlineGuard = t.DeadlineGuard
	return cfg, nil
}
