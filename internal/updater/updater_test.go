// Tests for update batches against an in-memory factoring database.

package updater

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/allseq/internal/fdbfile"
	"github.com/mesh-intelligence/allseq/internal/priority"
	"github.com/mesh-intelligence/allseq/internal/scheduler"
	"github.com/mesh-intelligence/allseq/internal/store"
	"github.com/mesh-intelligence/allseq/pkg/types"
)

var fixedNow = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

const nowText = "2024-06-15 12:00:00"

type fakeSource struct {
	statuses map[int64]types.Status
	seqs     map[int]*types.Sequence
	created  map[int64]string
	// dataErrors is the number of data errors QuerySequence returns for a
	// seq before succeeding.
	dataErrors map[int]int
	// limit is the number of queries answered before the resource limit.
	limit int
	calls int
}

func (f *fakeSource) spend(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.limit > 0 && f.calls >= f.limit {
		return types.ErrResourceLimitReached
	}
	f.calls++
	return nil
}

func (f *fakeSource) QueryIDStatus(ctx context.Context, id int64) (types.Status, error) {
	if err := f.spend(ctx); err != nil {
		return types.StatusUnknown, err
	}
	st, ok := f.statuses[id]
	if !ok {
		return types.StatusUnknown, fmt.Errorf("%w: id %d", types.ErrDataError, id)
	}
	return st, nil
}

func (f *fakeSource) QuerySequence(ctx context.Context, seq int) (*types.Sequence, error) {
	if err := f.spend(ctx); err != nil {
		return nil, err
	}
	if f.dataErrors[seq] > 0 {
		f.dataErrors[seq]--
		return nil, fmt.Errorf("%w: flaky seq %d", types.ErrDataError, seq)
	}
	rec, ok := f.seqs[seq]
	if !ok {
		return nil, fmt.Errorf("%w: seq %d", types.ErrDataError, seq)
	}
	return rec.Clone(), nil
}

func (f *fakeSource) IDCreated(ctx context.Context, id int64) (string, error) {
	if err := f.spend(ctx); err != nil {
		return "", err
	}
	d, ok := f.created[id]
	if !ok {
		return "", fmt.Errorf("%w: id %d", types.ErrDataError, id)
	}
	return d, nil
}

func term(seq, size, index int, id int64, factors string) *types.Sequence {
	r := types.NewSequence(seq)
	r.Size, r.Index, r.ID, r.Factors = size, index, id, factors
	return r
}

func known(seq int, index int, id int64, progress types.Progress) *types.Sequence {
	r := term(seq, 100, index, id, "2^2 * 7 * C98")
	r.Progress = progress
	r.Time = "2024-06-10 12:00:00"
	return r
}

type harness struct {
	cfg   types.UpdaterConfig
	store *store.Store
	src   *fakeSource
}

func newHarness(t *testing.T, recs ...*types.Sequence) *harness {
	t.Helper()
	dir := t.TempDir()
	scfg := types.DefaultStoreConfig(dir)
	require.NoError(t, store.Create(scfg, fixedNow))
	st, err := store.New(scfg, store.WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	require.NoError(t, st.LockReadInit())
	t.Cleanup(func() {
		if st.Locked() {
			_ = st.Unlock()
		}
	})
	for _, rec := range recs {
		require.NoError(t, st.PushNewInfo(rec))
	}
	cfg := types.DefaultUpdaterConfig(dir)
	cfg.Delay = 0
	return &harness{
		cfg:   cfg,
		store: st,
		src: &fakeSource{
			statuses:   map[int64]types.Status{},
			seqs:       map[int]*types.Sequence{},
			created:    map[int64]string{},
			dataErrors: map[int]int{},
		},
	}
}

func (h *harness) runner(t *testing.T, src Source) *Runner {
	t.Helper()
	if src == nil {
		src = h.src
	}
	r, err := New(h.cfg, h.store, src, priority.New(types.DefaultPriorityConfig()),
		WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	return r
}

func (h *harness) get(t *testing.T, seq int) *types.Sequence {
	t.Helper()
	rec, ok := h.store.Get(seq)
	require.True(t, ok, "seq %d missing", seq)
	return rec
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	h := newHarness(t)
	h.cfg.BatchSize = 0
	_, err := New(h.cfg, h.store, h.src, priority.New(types.DefaultPriorityConfig()))
	require.ErrorIs(t, err, types.ErrBatchSizeInvalid)
}

func TestRunStatusDispatch(t *testing.T) {
	h := newHarness(t,
		types.NewSequence(276),
		known(552, 500, 11, types.Digits(5)),
		known(564, 600, 12, types.Digits(0)),
		known(660, 700, 13, types.Digits(2)),
		known(840, 800, 14, types.Digits(3)),
		known(966, 900, 15, types.StalledSince("2024-01-01")),
	)
	rec, _ := h.store.Get(552)
	rec.Res = "Alice"

	h.src.seqs[276] = term(276, 30, 10, 100, "2^2 * 7 * C28")
	h.src.seqs[660] = term(660, 101, 700, 104, "2^3 * 3 * C40")
	h.src.statuses = map[int64]types.Status{
		11: types.StatusCompositePartiallyFactored,
		12: types.StatusCompositePartiallyFactored,
		13: types.StatusCompositeFullyFactored,
		14: types.StatusPrime,
		15: types.StatusCompositeNoFactors,
	}
	h.src.created = map[int64]string{11: "2024-05-01", 104: "2024-04-01", 14: "2024-03-03"}

	res, err := h.runner(t, nil).Run(context.Background(), []int{276, 552, 564, 660, 840, 966})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Updated)
	assert.False(t, res.Aborted)
	assert.NotEmpty(t, res.RunID)

	fresh := h.get(t, 276)
	assert.Equal(t, 10, fresh.Index)
	assert.Equal(t, types.Digits(11), fresh.Progress)
	assert.Equal(t, nowText, fresh.Time)
	assert.Equal(t, "2^2 * 7", fresh.Guide)
	assert.True(t, fresh.IsDriver())
	assert.NotEqual(t, -1.0, fresh.Priority)

	cf := h.get(t, 552)
	assert.Equal(t, types.StalledSince("2024-05-01"), cf.Progress)
	assert.Equal(t, nowText, cf.Time)
	assert.Equal(t, "Alice", cf.Res)
	assert.Equal(t, 500, cf.Index)

	assert.Equal(t, types.StalledSince("2024-06-10"), h.get(t, 564).Progress)

	ff := h.get(t, 660)
	assert.Equal(t, int64(104), ff.ID)
	assert.Equal(t, types.StalledSince("2024-04-01"), ff.Progress)
	assert.Equal(t, "2^3 * 3", ff.Guide)

	assert.Equal(t, types.StalledSince("2024-03-03"), h.get(t, 840).Progress)

	skipped := h.get(t, 966)
	assert.Equal(t, "2024-06-10 12:00:00", skipped.Time)
	assert.Equal(t, types.StalledSince("2024-01-01"), skipped.Progress)

	require.NotNil(t, res.Stats)
	assert.Equal(t, 6, res.Stats.Total)
	_, err = os.Stat(h.cfg.StatsFile)
	require.NoError(t, err)
}

func TestRunPopsBatchWithoutSpecial(t *testing.T) {
	h := newHarness(t, types.NewSequence(276), types.NewSequence(552), types.NewSequence(564))
	h.cfg.BatchSize = 2
	h.src.seqs[276] = term(276, 30, 10, 100, "2^2 * 7 * C28")
	h.src.seqs[552] = term(552, 30, 12, 101, "2^2 * 7 * C28")

	res, err := h.runner(t, nil).Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, res.Todo, 2)
	assert.Equal(t, 2, res.Updated)
}

func TestRunDataRetries(t *testing.T) {
	tests := []struct {
		name        string
		retries     int
		failures    int
		wantUpdated int
		wantIndex   int
	}{
		{name: "recovers within budget", retries: 3, failures: 2, wantUpdated: 1, wantIndex: 10},
		{name: "skips past budget", retries: 1, failures: 2, wantUpdated: 0, wantIndex: -1},
		{name: "no retries", retries: 0, failures: 1, wantUpdated: 0, wantIndex: -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, types.NewSequence(276))
			h.cfg.DataRetries = tt.retries
			h.src.seqs[276] = term(276, 30, 10, 100, "2^2 * 7 * C28")
			h.src.dataErrors[276] = tt.failures

			res, err := h.runner(t, nil).Run(context.Background(), []int{276})
			require.NoError(t, err)
			assert.Equal(t, tt.wantUpdated, res.Updated)
			assert.False(t, res.Aborted)
			assert.Equal(t, tt.wantIndex, h.get(t, 276).Index)
		})
	}
}

func TestRunResourceLimitStopsBatch(t *testing.T) {
	h := newHarness(t,
		types.NewSequence(276),
		known(552, 500, 11, types.Digits(5)),
		types.NewSequence(564),
	)
	h.src.limit = 1
	h.src.seqs[276] = term(276, 30, 10, 100, "2^2 * 7 * C28")
	h.src.seqs[564] = term(564, 30, 10, 101, "2^2 * 7 * C28")
	h.src.statuses[11] = types.StatusCompositePartiallyFactored

	r := h.runner(t, nil)
	res, err := r.Run(context.Background(), []int{276, 552, 564})
	require.NoError(t, err)
	assert.True(t, res.Aborted)
	assert.True(t, r.Quitting())
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 10, h.get(t, 276).Index)
	assert.Equal(t, types.Digits(5), h.get(t, 552).Progress)
	assert.Equal(t, -1, h.get(t, 564).Index)
}

func TestRunBrokenSequence(t *testing.T) {
	h := newHarness(t, known(552, 500, 0, types.Digits(1)))
	h.cfg.Broken = map[int]types.BrokenSeq{552: {Offset: 100, Replacement: 4788}}
	h.src.seqs[4788] = term(4788, 120, 450, 200, "2^2 * 7 * C110")

	res, err := h.runner(t, nil).Run(context.Background(), []int{552})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)

	rec := h.get(t, 552)
	assert.Equal(t, 550, rec.Index)
	assert.Equal(t, types.Digits(50), rec.Progress)
	assert.Equal(t, int64(200), rec.ID)
	assert.False(t, h.store.Has(4788))
}

func TestRunDropFileTerminationsAndMerges(t *testing.T) {
	h := newHarness(t, types.NewSequence(276), types.NewSequence(552), types.NewSequence(564))
	require.NoError(t, os.WriteFile(h.cfg.DropFile, []byte("564 junk\n999\n"), 0o644))
	require.NoError(t, os.WriteFile(h.cfg.TerminatedFile, []byte("138\n"), 0o644))
	h.src.seqs[276] = term(276, 1, 50, 300, "terminated")
	h.src.seqs[552] = term(552, 1, 40, 300, "terminated")
	h.src.created[300] = "2020-01-01"

	res, err := h.runner(t, nil).Run(context.Background(), []int{276, 552})
	require.NoError(t, err)

	assert.Equal(t, []int{564, 999}, res.Dropped)
	assert.False(t, h.store.Has(564))
	b, err := os.ReadFile(h.cfg.DropFile)
	require.NoError(t, err)
	assert.Empty(t, b, "drop file is truncated")

	assert.Equal(t, []int{276, 552}, res.Terminated)
	b, err = os.ReadFile(h.cfg.TerminatedFile)
	require.NoError(t, err)
	assert.Equal(t, "138\n276\n552\n", string(b))
	assert.Equal(t, types.GuideTerminated, h.get(t, 276).Guide)

	assert.Equal(t, []scheduler.Merge{{Canonical: 276, Duplicates: []int{552}}}, res.Merges)
	assert.False(t, h.store.Has(552))
}

func TestRunRegistersSpecialSeqs(t *testing.T) {
	h := newHarness(t)
	h.src.seqs[1000] = term(1000, 20, 5, 400, "2^2 * 7 * C18")

	res, err := h.runner(t, nil).Run(context.Background(), []int{1000})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, types.Digits(6), h.get(t, 1000).Progress)

	_, err = h.runner(t, nil).Run(context.Background(), []int{1001})
	require.ErrorIs(t, err, types.ErrInvalidSeq)
}

func TestRunCancelled(t *testing.T) {
	h := newHarness(t, types.NewSequence(276), types.NewSequence(552))
	h.src.seqs[276] = term(276, 30, 10, 100, "2^2 * 7 * C28")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.runner(t, nil).Run(ctx, []int{276, 552})
	require.NoError(t, err)
	assert.True(t, res.Aborted)
	assert.Zero(t, res.Updated)
	assert.Zero(t, h.src.calls, "no query reaches the source")
	require.NotNil(t, res.Stats, "finalization runs after cancellation")
}

// interruptingSource cancels the run right after the status query, as a
// signal arriving in the middle of a sequence would.
type interruptingSource struct {
	*fakeSource
	cancel context.CancelFunc
}

func (s *interruptingSource) QueryIDStatus(ctx context.Context, id int64) (types.Status, error) {
	st, err := s.fakeSource.QueryIDStatus(ctx, id)
	s.cancel()
	return st, err
}

func TestRunFinishesSequenceAfterCancel(t *testing.T) {
	h := newHarness(t, known(552, 500, 11, types.Digits(5)), known(564, 600, 13, types.Digits(0)))
	h.src.statuses = map[int64]types.Status{
		11: types.StatusCompositeFullyFactored,
		13: types.StatusCompositeFullyFactored,
	}
	h.src.seqs[552] = term(552, 101, 503, 12, "2^2 * 7 * C99")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res, err := h.runner(t, &interruptingSource{fakeSource: h.src, cancel: cancel}).Run(ctx, []int{552, 564})
	require.NoError(t, err)
	assert.True(t, res.Aborted)
	assert.Equal(t, 1, res.Updated)

	rec := h.get(t, 552)
	assert.Equal(t, 503, rec.Index)
	assert.Equal(t, int64(12), rec.ID)
	assert.Equal(t, nowText, rec.Time)
	assert.Equal(t, 600, h.get(t, 564).Index, "the next sequence is not started")
}

func TestQuitBeforeRun(t *testing.T) {
	h := newHarness(t, types.NewSequence(276))
	r := h.runner(t, nil)
	r.Quit()
	res, err := r.Run(context.Background(), []int{276})
	require.NoError(t, err)
	assert.True(t, res.Aborted)
	assert.Zero(t, h.src.calls)
}

func TestRunWithFileSource(t *testing.T) {
	h := newHarness(t, known(552, 500, 11, types.Digits(5)))
	path := filepath.Join(t.TempDir(), "fdb.jsonl")
	lines := `{"id": 11, "status": "FF"}
{"seq": 552, "size": 101, "index": 503, "id": 12, "factors": "2^2 * 7 * C99"}
`
	require.NoError(t, os.WriteFile(path, []byte(lines), 0o644))
	src, err := fdbfile.Open(path)
	require.NoError(t, err)

	res, err := h.runner(t, src).Run(context.Background(), []int{552})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)

	rec := h.get(t, 552)
	assert.Equal(t, 503, rec.Index)
	assert.Equal(t, int64(12), rec.ID)
	assert.Equal(t, types.Digits(3), rec.Progress)
	assert.Equal(t, 99, rec.Cofactor)
}
