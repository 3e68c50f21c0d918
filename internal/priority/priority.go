// Package priority computes the scheduling score of a sequence record.
// Lower scores pop first.
package priority

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/mesh-intelligence/allseq/pkg/types"
)

const day = 24 * time.Hour

// Calculator applies the priority formula with fixed tunables.
type Calculator struct {
	cfg types.PriorityConfig
}

// New returns a Calculator for cfg.
func New(cfg types.PriorityConfig) Calculator {
	return Calculator{cfg: cfg}
}

// Priority returns the score of rec as of now, rounded to two decimals.
// rec.Time must be set.
func (c Calculator) Priority(rec *types.Sequence, now time.Time) (float64, error) {
	last, err := rec.LastUpdate()
	if err != nil {
		return 0, err
	}
	updated := now.Sub(last)
	updatedDays := float64(updated) / float64(day)

	stalled := 1.0
	if rec.Progress.Kind == types.ProgressStalled {
		since, err := rec.Progress.SinceDate()
		if err != nil {
			return 0, fmt.Errorf("seq %d: parse progress %q: %w", rec.Seq, rec.Progress.Since, err)
		}
		lastDate := time.Date(last.Year(), last.Month(), last.Day(), 0, 0, 0, 0, time.UTC)
		stalled = float64(lastDate.Sub(since) / day)
	}

	base := math.Max(0, stalled-updatedDays)

	if rec.Cofactor != 0 && rec.Cofactor <= c.cfg.SmallCofactorBound {
		base *= float64(rec.Cofactor) * c.cfg.SmallCofactorDiscount
	}

	maxPeriod := c.cfg.MaxUpdatePeriod
	if rec.Res != "" {
		base *= c.cfg.ReservationDiscount
		maxPeriod = c.cfg.ReservationUpdatePeriod
	}

	if strings.Contains(rec.Guide, "Downdriver") {
		base *= c.cfg.DowndriverDiscount
	}

	if updatedDays < c.cfg.ShorttermPenaltyDuration {
		slope := c.cfg.ShorttermPenaltyInitial / c.cfg.ShorttermPenaltyDuration
		base += c.cfg.ShorttermPenaltyInitial - slope*updatedDays
	} else if ratio := updatedDays / maxPeriod; ratio > 0.5 {
		// 1 at half the period, 0 at the full period
		base *= 2 - 2*ratio
	}

	return math.Round(base*100) / 100, nil
}

// Apply stores the priority of rec as of now. Records never queried keep
// their current priority.
func (c Calculator) Apply(rec *types.Sequence, now time.Time) error {
	if rec.Time == "" {
		return nil
	}
	p, err := c.Priority(rec, now)
	if err != nil {
		return err
	}
	rec.Priority = p
	return nil
}
