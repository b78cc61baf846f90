package config

import (
	"fmt"
	"time"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// knownStages is the set of stage names the board status map may key on.
var knownStages = map[string]bool{
	"ready":       true,
	"in_progress": true,
	"in_review":   true,
	"done":        true,
	"stalled":     true,
}

// Validate checks a Config for structural and semantic errors. It returns a
// slice of all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError

	checkDuration := func(field, value string) time.Duration {
		d, err := time.ParseDuration(value)
		if err != nil {
			errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf("invalid duration %q", value)})
			return 0
		}
		if d < 0 {
			errs = append(errs, ValidationError{Field: field, Message: "must not be negative"})
		}
		return d
	}

	if d, err := time.ParseDuration(cfg.Poll.Interval); err != nil {
		errs = append(errs, ValidationError{Field: "poll.interval", Message: fmt.Sprintf("invalid duration %q", cfg.Poll.Interval)})
	} else if d <= 0 {
		errs = append(errs, ValidationError{Field: "poll.interval", Message: "must be positive"})
	}
	checkDuration("poll.jitter", cfg.Poll.Jitter)
	if d, err := time.ParseDuration(cfg.Poll.EvalTimeout); err != nil {
		errs = append(errs, ValidationError{Field: "poll.eval_timeout", Message: fmt.Sprintf("invalid duration %q", cfg.Poll.EvalTimeout)})
	} else if d <= 0 {
		errs = append(errs, ValidationError{Field: "poll.eval_timeout", Message: "must be positive"})
	}
	if cfg.Poll.Workers <= 0 {
		errs = append(errs, ValidationError{Field: "poll.workers", Message: "must be positive"})
	}
	if cfg.Poll.RateLimitFloor < 0 {
		errs = append(errs, ValidationError{Field: "poll.rate_limit_floor", Message: "must not be negative"})
	}

	if cfg.Retry.MaxAttempts <= 0 {
		errs = append(errs, ValidationError{Field: "retry.max_attempts", Message: "must be positive"})
	}
	if _, err := ParseBackoff(cfg.Retry.Backoff, max(cfg.Retry.MaxAttempts, 1)); err != nil {
		errs = append(errs, ValidationError{Field: "retry.backoff", Message: err.Error()})
	}
	base := checkDuration("retry.cooldown_base", cfg.Retry.CooldownBase)
	maxCd := checkDuration("retry.cooldown_max", cfg.Retry.CooldownMax)
	if base > 0 && maxCd > 0 && maxCd < base {
		errs = append(errs, ValidationError{Field: "retry.cooldown_max", Message: "must be at least retry.cooldown_base"})
	}

	if cfg.Store.MaxSize <= 0 {
		errs = append(errs, ValidationError{Field: "store.max_size", Message: "must be positive"})
	}
	checkDuration("store.retention", cfg.Store.Retention)

	if cfg.Detector.MaxPages <= 0 {
		errs = append(errs, ValidationError{Field: "detector.max_pages", Message: "must be positive"})
	}

	for stage := range cfg.Board.Statuses {
		if !knownStages[stage] {
			errs = append(errs, ValidationError{
				Field:   "board.statuses",
				Message: fmt.Sprintf("unknown stage %q", stage),
			})
		}
	}

	if cfg.Agent.Login == "" {
		errs = append(errs, ValidationError{Field: "agent.login", Message: "is required"})
	}
	if cfg.Agent.Reviewer == "" {
		errs = append(errs, ValidationError{Field: "agent.reviewer", Message: "is required"})
	}

	if cfg.Server.Addr == "" {
		errs = append(errs, ValidationError{Field: "server.addr", Message: "is required"})
	}

	return errs
}
