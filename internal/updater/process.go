// This file implements the per-sequence query and progress bookkeeping of an
// update batch.

package updater

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mesh-intelligence/allseq/pkg/types"
)

// query runs fn, retrying data errors up to DataRetries times. ok is false
// when the item should be skipped: data errors past the retry budget, a
// reached resource limit or cancellation. The last two also stop the
// batch. Any other error is returned.
func query[T any](ctx context.Context, r *Runner, log *slog.Logger, seq int, fn func() (T, error)) (v T, ok bool, err error) {
	for attempt := 0; ; attempt++ {
		v, err = fn()
		switch {
		case err == nil:
			return v, true, nil
		case errors.Is(err, types.ErrResourceLimitReached):
			log.Error("resource limit reached, quitting", "seq", seq, "error", err)
			r.Quit()
			return v, false, nil
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			log.Error("query cancelled, quitting", "seq", seq, "error", err)
			r.Quit()
			return v, false, nil
		case !errors.Is(err, types.ErrDataError):
			return v, false, err
		case attempt >= r.cfg.DataRetries:
			log.Error("data error, skipping sequence", "seq", seq, "attempts", attempt+1, "error", err)
			return v, false, nil
		}
		log.Warn("data error, retrying", "seq", seq, "attempt", attempt+1, "error", err)
		if werr := r.limiter.Wait(ctx); werr != nil {
			r.Quit()
			return v, false, nil
		}
	}
}

// checkUpdate decides between a full update and a no-progress touch based
// on the status of the record's last known id. updated reports whether
// rec carries fresh information.
func (r *Runner) checkUpdate(ctx context.Context, log *slog.Logger, old *types.Sequence) (rec *types.Sequence, updated bool, err error) {
	if !old.IsMinimallyValid() || old.ID == 0 {
		return r.doUpdate(ctx, log, old)
	}

	status, ok, err := query(ctx, r, log, old.Seq, func() (types.Status, error) {
		return r.src.QueryIDStatus(ctx, old.ID)
	})
	if err != nil || !ok {
		return old, false, err
	}

	switch status {
	case types.StatusCompositeFullyFactored:
		return r.doUpdate(ctx, log, old)
	case types.StatusCompositePartiallyFactored:
	case types.StatusPrime:
		log.Warn("last id is prime, possible termination", "seq", old.Seq, "id", old.ID)
	default:
		log.Error("unexpected status for last id", "seq", old.Seq, "id", old.ID, "status", status)
		return old, false, nil
	}

	rec = old.Clone()
	ok, err = r.processNoProgress(ctx, log, rec)
	if err != nil || !ok {
		return old, false, err
	}
	return rec, true, nil
}

// doUpdate fetches the current last term, following the replacement
// leader of broken sequences.
func (r *Runner) doUpdate(ctx context.Context, log *slog.Logger, old *types.Sequence) (*types.Sequence, bool, error) {
	seq := old.Seq
	broken, isBroken := r.cfg.Broken[old.Seq]
	if isBroken {
		seq = broken.Replacement
	}

	rec, ok, err := query(ctx, r, log, old.Seq, func() (*types.Sequence, error) {
		return r.src.QuerySequence(ctx, seq)
	})
	if err != nil || !ok {
		return old, false, err
	}
	rec.Time = r.now().UTC().Format(types.TimeLayout)

	offset := 0
	if isBroken {
		offset = broken.Offset
	}
	ok, err = r.processProgress(ctx, log, rec, old, isBroken, offset)
	if err != nil || !ok {
		return old, false, err
	}
	return rec, true, nil
}

// processProgress fills in the derived fields of a freshly queried rec
// from the previous record.
func (r *Runner) processProgress(ctx context.Context, log *slog.Logger, rec, old *types.Sequence, broken bool, offset int) (bool, error) {
	rec.Res = old.Res
	progress := rec.Index - old.Index
	if err := r.engine.Apply(rec); err != nil {
		if errors.Is(err, types.ErrInvariant) {
			return false, err
		}
		log.Error("cannot classify term, skipping", "seq", old.Seq, "error", err)
		return false, nil
	}

	if broken {
		rec.Seq = old.Seq
		rec.Index += offset
		progress += offset
	}

	if progress <= 0 {
		log.Info("fresh query revealed no progress", "seq", rec.Seq)
		date, ok, err := query(ctx, r, log, rec.Seq, func() (string, error) {
			return r.src.IDCreated(ctx, rec.ID)
		})
		if err != nil || !ok {
			return false, err
		}
		rec.Progress = types.StalledSince(date)
	} else {
		rec.Progress = types.Digits(progress)
	}

	if err := r.calc.Apply(rec, r.now()); err != nil {
		return false, fmt.Errorf("seq %d: %w", rec.Seq, err)
	}
	return true, nil
}

// processNoProgress marks rec as checked now without new terms. A positive
// digit count becomes a stall date taken from the id's creation; zero
// becomes the date of the last update.
func (r *Runner) processNoProgress(ctx context.Context, log *slog.Logger, rec *types.Sequence) (bool, error) {
	switch {
	case rec.Progress.Kind != types.ProgressDigits:
	case rec.Progress.Digits > 0:
		date, ok, err := query(ctx, r, log, rec.Seq, func() (string, error) {
			return r.src.IDCreated(ctx, rec.ID)
		})
		if err != nil || !ok {
			return false, err
		}
		rec.Progress = types.StalledSince(date)
	case rec.Progress.Digits == 0:
		date := r.now().UTC().Format(types.DateLayout)
		if last, err := rec.LastUpdate(); err == nil {
			date = last.Format(types.DateLayout)
		} else {
			log.Warn("no last update time, stalling from today", "seq", rec.Seq, "error", err)
		}
		rec.Progress = types.StalledSince(date)
	default:
		return false, fmt.Errorf("%w: seq %d has negative progress %d", types.ErrInvariant, rec.Seq, rec.Progress.Digits)
	}

	rec.Time = r.now().UTC().Format(types.TimeLayout)
	if err := r.calc.Apply(rec, r.now()); err != nil {
		return false, fmt.Errorf("seq %d: %w", rec.Seq, err)
	}
	return true, nil
}
