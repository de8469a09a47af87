package policy

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/NTBlok/ai-financial-agent/api/schemas"
	"github.com/NTBlok/ai-financial-agent/internal/config"
)

// Rule is one policy check. Check returns a denial reason, or "" when the
// rule passes. Overridable declares, per rule, whether a human may force
// execution despite this rule's denial; it is never inferred from the reason.
type Rule interface {
	ID() string
	Overridable() bool
	Check(action schemas.Action, ec EvalContext) string
}

// buildRule constructs the named rule from configuration.
func buildRule(id string, cfg config.PolicyConfig) (Rule, error) {
	switch id {
	case "denylist":
		tickers := make(map[string]bool, len(cfg.DenylistedTickers))
		for _, t := range cfg.DenylistedTickers {
			tickers[strings.ToUpper(t)] = true
		}
		return &denylistRule{tickers: tickers}, nil
	case "confidence_floor":
		return &confidenceFloorRule{floor: cfg.ConfidenceFloor}, nil
	case "max_shares":
		return &maxSharesRule{max: cfg.MaxSharesPerOrder}, nil
	case "rate_limit":
		return &rateLimitRule{max: cfg.RateLimit.MaxActions, window: cfg.RateLimit.Window}, nil
	case "market_hours":
		rule := &marketHoursRule{weekdaysOnly: cfg.MarketHours.Weekdays}
		if cfg.MarketHours.OpenUTC != "" {
			open, err := time.Parse("15:04", cfg.MarketHours.OpenUTC)
			if err != nil {
				return nil, fmt.Errorf("invalid market_hours.open_utc %q: %w", cfg.MarketHours.OpenUTC, err)
			}
			close, err := time.Parse("15:04", cfg.MarketHours.CloseUTC)
			if err != nil {
				return nil, fmt.Errorf("invalid market_hours.close_utc %q: %w", cfg.MarketHours.CloseUTC, err)
			}
			rule.open = open.Hour()*60 + open.Minute()
			rule.close = close.Hour()*60 + close.Minute()
			rule.enabled = true
		}
		return rule, nil
	default:
		return nil, fmt.Errorf("unknown policy rule %q", id)
	}
}

// denylistRule is a hard denial: denylisted instruments can never be traded,
// with or without an operator.
type denylistRule struct {
	tickers map[string]bool
}

func (r *denylistRule) ID() string        { return "denylist" }
func (r *denylistRule) Overridable() bool { return false }

func (r *denylistRule) Check(action schemas.Action, _ EvalContext) string {
	ticker, ok := paramString(action, "ticker")
	if !ok {
		return ""
	}
	if r.tickers[strings.ToUpper(ticker)] {
		return fmt.Sprintf("ticker %s is on the denylist", strings.ToUpper(ticker))
	}
	return ""
}

// confidenceFloorRule is a hard denial: a suggestion the engine itself barely
// believes in is not worth a human override prompt.
type confidenceFloorRule struct {
	floor float64
}

func (r *confidenceFloorRule) ID() string        { return "confidence_floor" }
func (r *confidenceFloorRule) Overridable() bool { return false }

func (r *confidenceFloorRule) Check(action schemas.Action, _ EvalContext) string {
	if action.Confidence < r.floor {
		return fmt.Sprintf("confidence %.2f is below the floor %.2f", action.Confidence, r.floor)
	}
	return ""
}

// maxSharesRule is a soft limit an operator may override.
type maxSharesRule struct {
	max int
}

func (r *maxSharesRule) ID() string        { return "max_shares" }
func (r *maxSharesRule) Overridable() bool { return true }

func (r *maxSharesRule) Check(action schemas.Action, _ EvalContext) string {
	if r.max <= 0 {
		return ""
	}
	shares, exact, ok := paramInt(action, "shares")
	if !ok {
		return ""
	}
	// A fractional share count must not truncate its way under the cap.
	if !exact {
		return fmt.Sprintf("share count %v is not a whole number", action.Parameters["shares"])
	}
	if shares > r.max {
		return fmt.Sprintf("order of %d shares exceeds the per-order limit of %d", shares, r.max)
	}
	return ""
}

// rateLimitRule is a soft limit over the account's prior actions within the
// lookback window.
type rateLimitRule struct {
	max    int
	window time.Duration
}

func (r *rateLimitRule) ID() string        { return "rate_limit" }
func (r *rateLimitRule) Overridable() bool { return true }

func (r *rateLimitRule) Check(_ schemas.Action, ec EvalContext) string {
	if r.max <= 0 || r.window <= 0 {
		return ""
	}
	cutoff := ec.Now.Add(-r.window)
	count := 0
	for _, prior := range ec.History {
		if !prior.At.Before(cutoff) {
			count++
		}
	}
	if count >= r.max {
		return fmt.Sprintf("account %s reached the limit of %d actions per %s", ec.AccountID, r.max, r.window)
	}
	return ""
}

// marketHoursRule is a soft limit confining execution to a UTC trading window.
type marketHoursRule struct {
	enabled      bool
	open, close  int // minutes since midnight UTC
	weekdaysOnly bool
}

func (r *marketHoursRule) ID() string        { return "market_hours" }
func (r *marketHoursRule) Overridable() bool { return true }

func (r *marketHoursRule) Check(_ schemas.Action, ec EvalContext) string {
	if !r.enabled {
		return ""
	}
	now := ec.Now.UTC()
	if r.weekdaysOnly && (now.Weekday() == time.Saturday || now.Weekday() == time.Sunday) {
		return "market is closed on weekends"
	}
	minutes := now.Hour()*60 + now.Minute()
	if minutes < r.open || minutes >= r.close {
		return "outside configured market hours"
	}
	return ""
}

// paramString extracts a string-typed action parameter.
func paramString(action schemas.Action, key string) (string, bool) {
	v, ok := action.Parameters[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

// paramInt extracts a numeric action parameter. JSON decoding yields float64
// for numbers; typed ints show up from in-process callers. exact reports
// whether the value was a whole number.
func paramInt(action schemas.Action, key string) (n int, exact, ok bool) {
	v, ok := action.Parameters[key]
	if !ok {
		return 0, false, false
	}
	switch num := v.(type) {
	case int:
		return num, true, true
	case int64:
		return int(num), true, true
	case float64:
		return int(num), num == math.Trunc(num), true
	default:
		return 0, false, false
	}
}
