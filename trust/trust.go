// Copyright (c) 2024 The dropcoord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package trust scores registration attempts from fingerprint, timing,
// proof-of-work, and behavioral signals. Scoring is a pure computation;
// the inputs are produced by external collaborators.
package trust

import "math"

// Config holds the scoring thresholds. Values must be stable for the
// lifetime of a drop.
type Config struct {
	// Threshold is the minimum rounded trust score required.
	Threshold int
	// FingerprintMinLength is the minimum acceptable fingerprint length.
	FingerprintMinLength int
	// FingerprintConfidenceThreshold is the minimum confidence for the
	// fingerprint to count as valid.
	FingerprintConfidenceThreshold float64
}

// DefaultConfig returns the scoring defaults.
func DefaultConfig() Config {
	return Config{
		Threshold:                      50,
		FingerprintMinLength:           4,
		FingerprintConfidenceThreshold: 30,
	}
}

// Signals are the raw inputs for one registration attempt.
type Signals struct {
	Fingerprint           string
	FingerprintConfidence float64 // 0..100
	TimingMs              int64
	PowVerified           bool
	// BehaviorScore is 0..100 when present.
	BehaviorScore *float64
}

// Result is the scoring outcome. Reason is set only when Allowed is
// false.
type Result struct {
	TrustScore int    `json:"trustScore"`
	Allowed    bool   `json:"allowed"`
	Reason     string `json:"reason,omitempty"`
}

// timingScore maps the time from page load to submission onto a score.
// Sub-200ms submissions are automated; the 1-5s band is the human sweet
// spot.
func timingScore(ms int64) float64 {
	switch {
	case ms < 200:
		return 0
	case ms < 1000:
		return 50
	case ms <= 5000:
		return 100
	case ms <= 10000:
		return 80
	default:
		return 60
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Score evaluates the signals against cfg and returns the blended trust
// score with an accept/reject decision.
func Score(cfg Config, sig Signals) Result {
	fpConfidence := clamp(sig.FingerprintConfidence, 0, 100)
	fpValid := len(sig.Fingerprint) >= cfg.FingerprintMinLength &&
		fpConfidence >= cfg.FingerprintConfidenceThreshold

	timing := timingScore(sig.TimingMs)
	pow := 0.0
	if sig.PowVerified {
		pow = 100
	}

	var score float64
	if sig.BehaviorScore != nil {
		behavior := clamp(*sig.BehaviorScore, 0, 100)
		score = 0.35*fpConfidence + 0.25*timing + 0.20*pow + 0.20*behavior
	} else {
		score = 0.40*fpConfidence + 0.30*timing + 0.30*pow
	}
	rounded := int(math.Round(score))

	res := Result{TrustScore: rounded}
	switch {
	case !fpValid:
		res.Reason = "Invalid fingerprint"
	case !sig.PowVerified:
		res.Reason = "PoW not verified"
	case rounded < cfg.Threshold:
		res.Reason = "Trust score below threshold"
	default:
		res.Allowed = true
	}
	return res
}
