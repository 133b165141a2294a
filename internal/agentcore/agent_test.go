package agentcore

import (
	"math"
	"testing"
	"time"
)

func Test_backoff_delay_is_monotonically_non_decreasing_until_cap(t *testing.T) {
	cfg := TunnelConfig{ReconnectBaseS: 5, ReconnectMaxS: 300, ReconnectFactorCap: 8}

	// jitter makes single samples noisy; compare against the jitter-free
	// bounds at each factor instead of exact equality.
	for factor := 0; factor <= 10; factor++ {
		d := backoffDelay(cfg, factor)
		if d <= 0 {
			t.Fatalf("factor %d: expected positive delay, got %v", factor, d)
		}
		maxPossible := time.Duration(cfg.ReconnectMaxS*1.2*float64(time.Second)) + time.Millisecond
		if d > maxPossible {
			t.Errorf("factor %d: delay %v exceeds jittered ceiling %v", factor, d, maxPossible)
		}
		capped := factor
		if capped > cfg.ReconnectFactorCap {
			capped = cfg.ReconnectFactorCap
		}
		want := math.Min(cfg.ReconnectBaseS*math.Pow(2, float64(capped)), cfg.ReconnectMaxS)
		lo := time.Duration(want*0.8*float64(time.Second)) - time.Millisecond
		hi := time.Duration(want*1.2*float64(time.Second)) + time.Millisecond
		if d < lo || d > hi {
			t.Errorf("factor %d: delay %v outside jitter band [%v, %v] around %vs", factor, d, lo, hi, want)
		}
	}
}

func Test_backoff_delay_respects_5_minute_ceiling(t *testing.T) {
	cfg := TunnelConfig{ReconnectBaseS: 5, ReconnectMaxS: 300, ReconnectFactorCap: 8}
	d := backoffDelay(cfg, 8)
	ceiling := time.Duration(300*1.2*float64(time.Second)) + time.Millisecond
	if d > ceiling {
		t.Errorf("delay %v exceeds 5-minute jittered ceiling %v", d, ceiling)
	}
}

func Test_backoff_delay_caps_factor_beyond_reconnect_factor_cap(t *testing.T) {
	cfg := TunnelConfig{ReconnectBaseS: 5, ReconnectMaxS: 100000, ReconnectFactorCap: 8}
	atCap := backoffDelay(cfg, 8)
	beyondCap := backoffDelay(cfg, 20)

	// both should be drawn from the same base*2^8 distribution (no max-s
	// clamp interferes here), so both must fall inside that distribution's
	// +/-20% jitter band.
	want := cfg.ReconnectBaseS * 256
	lo := time.Duration(want*0.8*float64(time.Second)) - time.Millisecond
	hi := time.Duration(want*1.2*float64(time.Second)) + time.Millisecond
	if atCap < lo || atCap > hi {
		t.Errorf("factor at cap: delay %v outside jitter band [%v, %v]", atCap, lo, hi)
	}
	if beyondCap < lo || beyondCap > hi {
		t.Errorf("factor beyond cap: delay %v outside the at-cap jitter band [%v, %v]", beyondCap, lo, hi)
	}
}
