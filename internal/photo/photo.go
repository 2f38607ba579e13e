// Package photo checks a photo-evidence score against a session minimum.
package photo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"attendguard/internal/apperr"
)

// Result is the outcome of Verify. Score is nil when no photo was evaluated.
type Result struct {
	Passed bool
	Score  *float64
}

// Verify compares score with minimum. A missing score fails only when a photo is required.
func Verify(score *float64, minimum float64, required bool) (Result, error) {
	if score == nil {
		if required {
			return Result{}, apperr.New(apperr.KindMissingEvidence, "photo score required")
		}
		return Result{Passed: true}, nil
	}
	s := *score
	if math.IsNaN(s) || s < 0 || s > 1 {
		return Result{}, apperr.New(apperr.KindValidation, "photo score must be within [0, 1]")
	}
	if !required {
		return Result{Passed: true, Score: &s}, nil
	}
	return Result{Passed: s >= minimum, Score: &s}, nil
}

// Scorer turns a photo reference into a score in [0, 1].
type Scorer interface {
	Score(ctx context.Context, photoURL string) (float64, error)
}

// Resolve asks scorer for a score within timeout. A timeout is reported as
// verification_timeout and any other failure as missing_evidence so callers fail closed.
func Resolve(ctx context.Context, scorer Scorer, photoURL string, timeout time.Duration) (float64, error) {
	if scorer == nil {
		return 0, apperr.New(apperr.KindMissingEvidence, "photo analysis unavailable")
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	score, err := scorer.Score(ctx, photoURL)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return 0, apperr.Wrap(apperr.KindVerificationTimeout, err, "photo analysis timed out")
		}
		return 0, apperr.Wrap(apperr.KindMissingEvidence, err, "photo analysis failed")
	}
	if math.IsNaN(score) || score < 0 || score > 1 {
		return 0, apperr.New(apperr.KindMissingEvidence, fmt.Sprintf("photo analysis returned out-of-range score %v", score))
	}
	return score, nil
}
