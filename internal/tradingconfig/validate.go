package tradingconfig

import (
	"fmt"
	"regexp"
	"time"
)

// ValidationError 검증 실패 (프로그램 중단)
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Warning 권장 위반 (경고만)
type Warning struct {
	Code    string
	Message string
}

var symbolPattern = regexp.MustCompile(`^[A-Z0-9]{2,20}$`)

// Validate checks all required constraints
// 실패 시 error 반환 (프로그램 중단)
func Validate(cfg *Config) error {
	// === Meta ===
	if cfg.Meta.ConfigID == "" {
		return ValidationError{"meta.config_id", "required"}
	}

	// === Symbols ===
	if len(cfg.Symbols) == 0 {
		return ValidationError{"symbols", "at least one symbol is required"}
	}
	seen := make(map[string]bool, len(cfg.Symbols))
	for i, s := range cfg.Symbols {
		field := fmt.Sprintf("symbols[%d]", i)
		if !symbolPattern.MatchString(s.Symbol) {
			return ValidationError{field + ".symbol", fmt.Sprintf("invalid symbol %q", s.Symbol)}
		}
		if seen[s.Symbol] {
			return ValidationError{field + ".symbol", fmt.Sprintf("%s listed twice", s.Symbol)}
		}
		seen[s.Symbol] = true
		if s.PollInterval < 100*time.Millisecond {
			return ValidationError{field + ".poll_interval", "must be >= 100ms"}
		}
		if s.Rounding != "directional" && s.Rounding != "nearest" {
			return ValidationError{field + ".rounding", "must be directional or nearest"}
		}
	}

	// === Execution ===
	if err := positive(cfg.Execution.CallTimeout, "execution.call_timeout"); err != nil {
		return err
	}
	if err := positive(cfg.Execution.CloseBucket, "execution.close_bucket"); err != nil {
		return err
	}

	// === Reconcile ===
	if err := positive(cfg.Reconcile.Interval, "reconcile.interval"); err != nil {
		return err
	}
	if cfg.Reconcile.GracePeriod < 0 {
		return ValidationError{"reconcile.grace_period", "must be >= 0"}
	}

	// === KillSwitch ===
	if err := positive(cfg.KillSwitch.StepTimeout, "kill_switch.step_timeout"); err != nil {
		return err
	}

	// === Transport ===
	if err := positive(cfg.Transport.Timeout, "transport.timeout"); err != nil {
		return err
	}
	if cfg.Transport.MaxRetries < 0 || cfg.Transport.MaxRetries > 10 {
		return ValidationError{"transport.max_retries", "must be in [0, 10]"}
	}
	if cfg.Transport.BackoffMin > cfg.Transport.BackoffMax {
		return ValidationError{"transport.backoff", "backoff_min must be <= backoff_max"}
	}
	if cfg.Transport.RequestsPerSecond < 0 {
		return ValidationError{"transport.requests_per_second", "must be >= 0"}
	}
	if cfg.Transport.OrdersPerSecond < 0 {
		return ValidationError{"transport.orders_per_second", "must be >= 0"}
	}

	// === Worker ===
	if cfg.Worker.BackoffMin > cfg.Worker.BackoffMax {
		return ValidationError{"worker.backoff", "backoff_min must be <= backoff_max"}
	}

	return nil
}

// Warn checks recommended constraints (non-fatal)
func Warn(cfg *Config) []Warning {
	var warnings []Warning

	// 유예 기간이 호출 타임아웃보다 짧으면 진행 중 주문을 취소로 오판할 수 있음
	if cfg.Reconcile.GracePeriod < 2*cfg.Execution.CallTimeout {
		warnings = append(warnings, Warning{
			Code:    "SHORT_GRACE",
			Message: "reconcile.grace_period < 2 × execution.call_timeout: in-flight orders may be marked CANCELLED",
		})
	}

	if !cfg.KillSwitch.ClosePositions {
		warnings = append(warnings, Warning{
			Code:    "NO_CLOSE",
			Message: "kill_switch.close_positions is off: activation cancels orders but leaves positions open",
		})
	}

	if cfg.Transport.MaxRetries == 0 {
		warnings = append(warnings, Warning{
			Code:    "NO_RETRY",
			Message: "transport.max_retries = 0: every transient failure becomes UNKNOWN",
		})
	}

	return warnings
}

func positive(d time.Duration, field string) error {
	if d <= 0 {
		return ValidationError{field, "must be > 0"}
	}
	return nil
}
