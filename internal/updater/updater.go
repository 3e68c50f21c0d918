// Package updater drives one batch of factoring database queries against
// the sequence store: it applies pending drops, picks the batch, queries
// every sequence with a fixed delay, then looks for merges, records
// terminations and regenerates the statistics.
package updater

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/mesh-intelligence/allseq/internal/classify"
	"github.com/mesh-intelligence/allseq/internal/priority"
	"github.com/mesh-intelligence/allseq/internal/scheduler"
	"github.com/mesh-intelligence/allseq/internal/sqlite"
	"github.com/mesh-intelligence/allseq/pkg/types"
)

// Source is the factoring database.
type Source interface {
	QueryIDStatus(ctx context.Context, id int64) (types.Status, error)
	QuerySequence(ctx context.Context, seq int) (*types.Sequence, error)
	IDCreated(ctx context.Context, id int64) (string, error)
}

// Store is the locked sequence store the runner updates.
type Store interface {
	scheduler.Store
	Write() error
}

// Runner executes update batches. A Runner is used by one goroutine at a
// time; Quit may be called from any goroutine.
type Runner struct {
	cfg     types.UpdaterConfig
	store   Store
	sched   *scheduler.Scheduler
	src     Source
	engine  *classify.Engine
	calc    priority.Calculator
	limiter *rate.Limiter
	logger  *slog.Logger
	now     func() time.Time

	quitting atomic.Bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithClock sets the clock used for record timestamps and priorities.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// WithEngine replaces the default classification engine.
func WithEngine(e *classify.Engine) Option {
	return func(r *Runner) { r.engine = e }
}

// New validates cfg and returns a Runner. The store must already be locked
// and read.
func New(cfg types.UpdaterConfig, st Store, src Source, calc priority.Calculator, opts ...Option) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Runner{
		cfg:    cfg,
		store:  st,
		src:    src,
		engine: classify.Default,
		calc:   calc,
		logger: slog.New(slog.DiscardHandler),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	limit := rate.Inf
	if cfg.Delay > 0 {
		limit = rate.Every(cfg.Delay)
	}
	r.limiter = rate.NewLimiter(limit, 1)
	r.sched = scheduler.New(st, calc, scheduler.WithLogger(r.logger), scheduler.WithClock(r.now))
	return r, nil
}

// Quit asks the running batch to stop after the current sequence.
func (r *Runner) Quit() { r.quitting.Store(true) }

// Quitting reports whether the batch has been asked to stop.
func (r *Runner) Quitting() bool { return r.quitting.Load() }

// Result summarizes one batch.
type Result struct {
	RunID      string
	Dropped    []int
	Todo       []int
	Updated    int
	Terminated []int
	Merges     []scheduler.Merge
	Aborted    bool
	Stats      *sqlite.Stats
}

// Run executes one batch. With special seqs the batch is exactly those
// seqs, registering the untracked ones first; otherwise the most urgent
// BatchSize seqs are popped. Finalization runs even when ctx is cancelled.
func (r *Runner) Run(ctx context.Context, special []int) (*Result, error) {
	res := &Result{RunID: runID()}
	log := r.logger.With("run", res.RunID)

	todo, err := r.preloop(log, res, special)
	if err != nil {
		return res, err
	}
	res.Todo = todo
	log.Info("starting queries", "count", len(todo))

	if err := r.loop(ctx, log, res); err != nil {
		return res, err
	}
	res.Aborted = r.Quitting()
	if res.Aborted {
		log.Warn("primary loop aborted", "updated", res.Updated, "of", len(todo))
	} else {
		log.Info("primary loop complete", "updated", res.Updated, "of", len(todo))
	}

	if err := r.postloop(context.WithoutCancel(ctx), log, res); err != nil {
		return res, err
	}
	return res, nil
}

func runID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

func (r *Runner) preloop(log *slog.Logger, res *Result, special []int) ([]int, error) {
	drops, err := r.readDropFile(log)
	if err != nil {
		return nil, err
	}
	if len(drops) > 0 {
		log.Info("dropping seqs from drop file", "seqs", drops)
		if _, err := r.store.Drop(drops); err != nil {
			return nil, err
		}
		if err := r.store.Write(); err != nil {
			return nil, err
		}
		// The emptied file stays in place for the next request.
		if err := os.WriteFile(r.cfg.DropFile, nil, 0o644); err != nil {
			return nil, fmt.Errorf("truncating drop file: %w", err)
		}
		res.Dropped = drops
	}

	if len(special) > 0 {
		if _, err := r.sched.RegisterNew(special); err != nil {
			return nil, err
		}
		if err := r.store.Write(); err != nil {
			return nil, err
		}
		return slices.Clone(special), nil
	}
	return r.sched.NextBatch(r.cfg.BatchSize)
}

// readDropFile returns the whitespace-separated seqs in the drop file.
// A missing file means nothing to drop.
func (r *Runner) readDropFile(log *slog.Logger) ([]int, error) {
	if r.cfg.DropFile == "" {
		return nil, nil
	}
	b, err := os.ReadFile(r.cfg.DropFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading drop file: %w", err)
	}
	var drops []int
	for _, f := range strings.Fields(string(b)) {
		seq, err := strconv.Atoi(f)
		if err != nil {
			log.Warn("ignoring unknown drop entry", "entry", f)
			continue
		}
		drops = append(drops, seq)
	}
	return drops, nil
}

func (r *Runner) loop(ctx context.Context, log *slog.Logger, res *Result) error {
	for i, seq := range res.Todo {
		if i > 0 {
			if err := r.limiter.Wait(ctx); err != nil {
				log.Error("wait interrupted, quitting", "error", err)
				r.Quit()
			}
		}
		if ctx.Err() != nil {
			r.Quit()
		}
		if r.Quitting() {
			break
		}
		old, ok := r.store.Get(seq)
		if !ok {
			log.Warn("seq not in store, skipping", "seq", seq)
			continue
		}
		// A started sequence always finishes; cancellation only stops the
		// loop between sequences.
		rec, updated, err := r.checkUpdate(context.WithoutCancel(ctx), log, old)
		if err != nil {
			return err
		}
		if err := r.store.PushNewInfo(rec); err != nil {
			return err
		}
		if updated {
			res.Updated++
			log.Info("sequence complete", "count", res.Updated, "seq", rec.Seq)
		}
		if strings.Contains(strings.ToLower(rec.Factors), "terminated") {
			res.Terminated = append(res.Terminated, rec.Seq)
		}
	}
	return nil
}

func (r *Runner) postloop(ctx context.Context, log *slog.Logger, res *Result) error {
	merges, err := r.sched.FindAndDropMerges()
	if err != nil {
		return err
	}
	res.Merges = merges
	if len(merges) == 0 {
		log.Info("no merges found")
	}

	if len(res.Terminated) > 0 && r.cfg.TerminatedFile != "" {
		log.Info("recording terminations", "path", r.cfg.TerminatedFile, "seqs", res.Terminated)
		if err := appendSeqs(r.cfg.TerminatedFile, res.Terminated); err != nil {
			return err
		}
	}

	if r.cfg.StatsFile == "" {
		return nil
	}
	st, err := BuildStats(ctx, r.store, log)
	if err != nil {
		return err
	}
	if err := sqlite.WriteStats(r.cfg.StatsFile, st); err != nil {
		return err
	}
	res.Stats = st
	log.Info("statistics written", "path", r.cfg.StatsFile, "sequences", st.Total)
	return nil
}

// BuildStats loads every record of st into a fresh index and aggregates
// it.
func BuildStats(ctx context.Context, st scheduler.Store, log *slog.Logger) (*sqlite.Stats, error) {
	ix, err := sqlite.Open(sqlite.WithLogger(log))
	if err != nil {
		return nil, err
	}
	defer ix.Close()
	if _, err := ix.Load(ctx, st.All()); err != nil {
		return nil, err
	}
	return ix.Stats(ctx)
}

func appendSeqs(path string, seqs []int) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	var b strings.Builder
	for _, seq := range seqs {
		fmt.Fprintf(&b, "%d\n", seq)
	}
	if _, err := f.WriteString(b.String()); err != nil {
		f.Close()
		return fmt.Errorf("appending to %s: %w", path, err)
	}
	return f.Close()
}
