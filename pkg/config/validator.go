package config

import (
	"fmt"
	"strings"
)

// Validator checks a loaded configuration for consistency.
type Validator struct {
	cfg    *Config
	errors []error
}

// NewValidator creates a validator for cfg.
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll runs every check and returns the collected errors, if any.
func (v *Validator) ValidateAll() error {
	v.validateTargets()
	v.validateJudge()
	v.validateRunner()
	v.validateOrchestration()
	v.validateCache()
	v.validateLogLevel()

	if len(v.errors) == 0 {
		return nil
	}
	msgs := make([]string, len(v.errors))
	for i, err := range v.errors {
		msgs[i] = err.Error()
	}
	return fmt.Errorf("%d validation error(s): %s", len(v.errors), strings.Join(msgs, "; "))
}

func (v *Validator) addError(component, id, field string, err error) {
	v.errors = append(v.errors, NewValidationError(component, id, field, err))
}

var validProviders = map[Provider]bool{
	ProviderOpenAI:    true,
	ProviderAnthropic: true,
	ProviderBedrock:   true,
	ProviderHTTP:      true,
	ProviderWebSocket: true,
	ProviderStdio:     true,
	ProviderMCP:       true,
	ProviderMock:      true,
}

func (v *Validator) validateTargets() {
	if v.cfg.DefaultTarget != "" {
		if _, ok := v.cfg.Targets[v.cfg.DefaultTarget]; !ok {
			v.addError("config", "default_target", "",
				fmt.Errorf("%w: %s", ErrTargetNotFound, v.cfg.DefaultTarget))
		}
	}

	for name, t := range v.cfg.Targets {
		if t == nil {
			v.addError("target", name, "", ErrMissingRequiredField)
			continue
		}
		if !validProviders[t.Provider] {
			v.addError("target", name, "provider",
				fmt.Errorf("%w: %q", ErrInvalidValue, t.Provider))
		}

		switch t.Provider {
		case ProviderStdio, ProviderMCP:
			if len(t.Command) == 0 {
				v.addError("target", name, "command", ErrMissingRequiredField)
			}
		case ProviderHTTP, ProviderWebSocket:
			if t.BaseURL == "" {
				v.addError("target", name, "base_url", ErrMissingRequiredField)
			}
		case ProviderMock:
			switch t.Mode {
			case "", "echo", "static", "smart", "script":
			default:
				v.addError("target", name, "mode",
					fmt.Errorf("%w: %q", ErrInvalidValue, t.Mode))
			}
			if t.Mode == "script" && len(t.Script) == 0 {
				v.addError("target", name, "script", ErrMissingRequiredField)
			}
		}

		// Secrets travel as environment variable names only.
		if strings.ContainsAny(t.APIKeyEnv, " \t") {
			v.addError("target", name, "api_key_env",
				fmt.Errorf("%w: must be an environment variable name", ErrInvalidValue))
		}
		if t.Temperature < 0 || t.Temperature > 2 {
			v.addError("target", name, "temperature",
				fmt.Errorf("%w: %g not in [0,2]", ErrInvalidValue, t.Temperature))
		}
		if t.MaxTokens < 0 {
			v.addError("target", name, "max_tokens",
				fmt.Errorf("%w: must be non-negative", ErrInvalidValue))
		}
	}
}

func (v *Validator) validateJudge() {
	j := v.cfg.Judge
	switch j.Kind {
	case JudgeKeyword, JudgeLLM, JudgeClassifier, JudgeEnsemble:
	default:
		v.addError("judge", string(j.Kind), "kind",
			fmt.Errorf("%w: %q", ErrInvalidValue, j.Kind))
	}

	if (j.Kind == JudgeLLM || j.Kind == JudgeClassifier) && j.Target != "" {
		if _, ok := v.cfg.Targets[j.Target]; !ok {
			v.addError("judge", string(j.Kind), "target",
				fmt.Errorf("%w: %s", ErrTargetNotFound, j.Target))
		}
	}
	if j.Threshold < 0 || j.Threshold > 10 {
		v.addError("judge", string(j.Kind), "threshold",
			fmt.Errorf("%w: %g not in [0,10]", ErrInvalidValue, j.Threshold))
	}
	for member, w := range j.Weights {
		if w < 0 {
			v.addError("judge", string(j.Kind), "weights",
				fmt.Errorf("%w: member %q has negative weight", ErrInvalidValue, member))
		}
	}
}

func (v *Validator) validateRunner() {
	r := v.cfg.Runner
	if r.Concurrency < 0 {
		v.addError("runner", "runner", "concurrency",
			fmt.Errorf("%w: must be non-negative", ErrInvalidValue))
	}
	if r.MaxRetries < 0 {
		v.addError("runner", "runner", "max_retries",
			fmt.Errorf("%w: must be non-negative", ErrInvalidValue))
	}
	if r.BudgetUSD < 0 || r.BudgetTokens < 0 || r.BudgetWall < 0 {
		v.addError("runner", "runner", "budget",
			fmt.Errorf("%w: budgets must be non-negative", ErrInvalidValue))
	}
	if v.cfg.SampleRate < 0 || v.cfg.SampleRate > 1 {
		v.addError("runner", "runner", "sample_rate",
			fmt.Errorf("%w: %g not in [0,1]", ErrInvalidValue, v.cfg.SampleRate))
	}
	switch r.Denominator {
	case "", "strict", "lenient":
	default:
		v.addError("runner", "runner", "denominator",
			fmt.Errorf("%w: %q is not strict or lenient", ErrInvalidValue, r.Denominator))
	}
}

func (v *Validator) validateOrchestration() {
	o := v.cfg.Orchestration
	switch o.Strategy {
	case "", "repeat", "escalate", "inject":
	default:
		v.addError("orchestration", "orchestration", "strategy",
			fmt.Errorf("%w: %q", ErrInvalidValue, o.Strategy))
	}
	switch o.Reduce {
	case "", "any", "majority", "final":
	default:
		v.addError("orchestration", "orchestration", "reduce",
			fmt.Errorf("%w: %q", ErrInvalidValue, o.Reduce))
	}
	if o.MaxTurns < 0 {
		v.addError("orchestration", "orchestration", "max_turns",
			fmt.Errorf("%w: must be non-negative", ErrInvalidValue))
	}
}

func (v *Validator) validateCache() {
	switch v.cfg.Cache.Policy {
	case "", "current", "all":
	default:
		v.addError("cache", "cache", "policy",
			fmt.Errorf("%w: %q", ErrInvalidValue, v.cfg.Cache.Policy))
	}
}

func (v *Validator) validateLogLevel() {
	switch strings.ToLower(v.cfg.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		v.addError("config", "log_level", "",
			fmt.Errorf("%w: %q", ErrInvalidValue, v.cfg.LogLevel))
	}
}
