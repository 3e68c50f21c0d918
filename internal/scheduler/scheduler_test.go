// Tests for merges, reservations, registration and batch selection.

package scheduler

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/allseq/internal/classify"
	"github.com/mesh-intelligence/allseq/internal/priority"
	"github.com/mesh-intelligence/allseq/internal/store"
	"github.com/mesh-intelligence/allseq/pkg/types"
)

var fixedNow = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

func newScheduler(t *testing.T, recs ...*types.Sequence) (*Scheduler, *store.Store) {
	t.Helper()
	cfg := types.DefaultStoreConfig(t.TempDir())
	require.NoError(t, store.Create(cfg, fixedNow))
	st, err := store.New(cfg, store.WithClock(func() time.Time { return fixedNow }))
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
	sched := New(st, priority.New(types.DefaultPriorityConfig()), WithClock(func() time.Time { return fixedNow }))
	return sched, st
}

func rec(seq int, id int64, res string) *types.Sequence {
	r := types.NewSequence(seq)
	r.ID = id
	r.Res = res
	return r
}

func queried(seq int, res string) *types.Sequence {
	r := types.NewSequence(seq)
	r.Size, r.Index = 100, 500
	r.Factors = "2^2 * 7 * C98"
	r.Res = res
	r.Progress = types.Digits(3)
	r.Time = "2024-06-10 12:00:00"
	return r
}

func TestFindMerges(t *testing.T) {
	sched, st := newScheduler(t,
		rec(276, 10, ""), rec(552, 20, ""), rec(564, 10, ""),
		rec(660, 0, ""), rec(840, 0, ""), rec(966, 10, ""), rec(1074, 20, ""),
	)

	merges := sched.FindMerges()
	assert.Equal(t, []Merge{
		{Canonical: 276, Duplicates: []int{564, 966}},
		{Canonical: 552, Duplicates: []int{1074}},
	}, merges)
	assert.Equal(t, 7, st.Len(), "FindMerges must not modify the store")

	dropped, err := sched.FindAndDropMerges()
	require.NoError(t, err)
	assert.Equal(t, merges, dropped)
	assert.Equal(t, []int{276, 552, 660, 840}, st.Seqs())
}

func TestFindAndDropMergesNone(t *testing.T) {
	sched, st := newScheduler(t, rec(276, 1, ""), rec(552, 2, ""))
	merges, err := sched.FindAndDropMerges()
	require.NoError(t, err)
	assert.Empty(t, merges)
	assert.Equal(t, 2, st.Len())
}

func TestReserveSeqs(t *testing.T) {
	sched, st := newScheduler(t,
		rec(276, 0, ""), rec(552, 0, "Alice"), rec(564, 0, "Bob"), queried(660, ""),
	)

	res, err := sched.ReserveSeqs("Alice", []int{276, 552, 564, 660, 999, 276})
	require.NoError(t, err)
	assert.Equal(t, []int{276, 660}, res.Reserved)
	assert.Equal(t, []int{552}, res.AlreadyOwned)
	assert.Equal(t, []Claim{{Seq: 564, Owner: "Bob"}}, res.OtherOwned)
	assert.Equal(t, []int{999}, res.Missing)

	r, _ := st.Get(276)
	assert.Equal(t, "Alice", r.Res)
	r, _ = st.Get(660)
	assert.Equal(t, "Alice", r.Res)
	want, err := priority.New(types.DefaultPriorityConfig()).Priority(r, fixedNow)
	require.NoError(t, err)
	assert.Equal(t, want, r.Priority, "queried records get a fresh priority")
}

func TestUnreserveSeqs(t *testing.T) {
	sched, st := newScheduler(t,
		rec(276, 0, "Alice"), rec(552, 0, ""), rec(564, 0, "Bob"),
	)

	res, err := sched.UnreserveSeqs("Alice", []int{276, 552, 564, 999})
	require.NoError(t, err)
	assert.Equal(t, []int{276}, res.Unreserved)
	assert.Equal(t, []int{552}, res.NotReserved)
	assert.Equal(t, []Claim{{Seq: 564, Owner: "Bob"}}, res.OtherOwned)
	assert.Equal(t, []int{999}, res.Missing)

	r, _ := st.Get(276)
	assert.Empty(t, r.Res)
	r, _ = st.Get(564)
	assert.Equal(t, "Bob", r.Res)
}

func TestReservationKeepsOwnerOnPriorityError(t *testing.T) {
	bad := queried(660, "")
	bad.Time = "not a time"
	owned := queried(840, "Bob")
	owned.Time = "not a time"
	sched, st := newScheduler(t, bad, owned)

	_, err := sched.ReserveSeqs("Alice", []int{660})
	require.Error(t, err)
	r, _ := st.Get(660)
	assert.Empty(t, r.Res)

	_, err = sched.UnreserveSeqs("Bob", []int{840})
	require.Error(t, err)
	r, _ = st.Get(840)
	assert.Equal(t, "Bob", r.Res)
}

func TestUpdateSeqs(t *testing.T) {
	sched, _ := newScheduler(t, rec(276, 0, ""), rec(552, 0, ""))
	exists, missing := sched.UpdateSeqs("Alice", []int{552, 999, 276, 552})
	assert.Equal(t, []int{552, 276}, exists)
	assert.Equal(t, []int{999}, missing)
}

func TestNextBatch(t *testing.T) {
	low, high := queried(552, ""), queried(564, "")
	low.Priority, high.Priority = 1, 5
	sched, _ := newScheduler(t, high, low, rec(276, 0, ""))

	batch, err := sched.NextBatch(2)
	require.NoError(t, err)
	assert.Equal(t, []int{276, 552}, batch)
}

func TestRegisterNew(t *testing.T) {
	tests := []struct {
		name    string
		seqs    []int
		want    []int
		wantErr error
		wantLen int
	}{
		{name: "adds untracked", seqs: []int{552, 276, 564, 564}, want: []int{552, 564}, wantLen: 3},
		{name: "all tracked", seqs: []int{276}, wantLen: 1},
		{name: "odd leader", seqs: []int{552, 1001}, wantErr: types.ErrInvalidSeq, wantLen: 1},
		{name: "too small", seqs: []int{200}, wantErr: types.ErrInvalidSeq, wantLen: 1},
		{name: "too large", seqs: []int{10_000_000}, wantErr: types.ErrInvalidSeq, wantLen: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sched, st := newScheduler(t, rec(276, 0, ""))
			got, err := sched.RegisterNew(tt.seqs)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			}
			assert.Equal(t, tt.wantLen, st.Len())
		})
	}
}

func TestRecalculatePriorities(t *testing.T) {
	stale := queried(552, "")
	stale.Priority = -1
	sched, st := newScheduler(t, stale, rec(276, 0, ""))

	changed, err := sched.RecalculatePriorities()
	require.NoError(t, err)
	assert.Equal(t, 1, changed)

	r, _ := st.Get(552)
	assert.NotEqual(t, -1.0, r.Priority)
	r, _ = st.Get(276)
	assert.Equal(t, -1.0, r.Priority, "never-queried records keep their priority")

	changed, err = sched.RecalculatePriorities()
	require.NoError(t, err)
	assert.Zero(t, changed)
}

func TestOwners(t *testing.T) {
	sched, _ := newScheduler(t,
		rec(564, 0, "Alice"), rec(276, 0, "Alice"), rec(552, 0, "Bob"), rec(660, 0, ""),
	)
	assert.Equal(t, map[string][]int{"Alice": {276, 564}, "Bob": {552}}, sched.Owners())
}

func TestReadMassReservation(t *testing.T) {
	in := "276\n\n552\n  564  \n276\nfoo bar\n-\n"
	mr, err := ReadMassReservation(strings.NewReader(in))
	require.NoError(t, err)
	assert.Equal(t, []int{276, 552, 564}, mr.Seqs)
	assert.Equal(t, []int{276}, mr.Duplicates)
	assert.Equal(t, []string{"foo bar", "-"}, mr.Unknown)
}

func TestApplyMassReservation(t *testing.T) {
	sched, st := newScheduler(t,
		rec(276, 0, "Alice"), rec(552, 0, "Alice"), rec(564, 0, ""), rec(660, 0, "Bob"),
	)

	res, err := sched.ApplyMassReservation("Alice", []int{552, 564, 660, 999})
	require.NoError(t, err)
	assert.Equal(t, []int{276}, res.Unreserve.Unreserved)
	assert.Equal(t, []int{564}, res.Reserve.Reserved)
	assert.Equal(t, []Claim{{Seq: 660, Owner: "Bob"}}, res.Reserve.OtherOwned)
	assert.Equal(t, []int{999}, res.Reserve.Missing)

	assert.Equal(t, map[string][]int{"Alice": {552, 564}, "Bob": {660}}, sched.Owners())
	r, _ := st.Get(276)
	assert.Empty(t, r.Res)
}

func TestParseReservationFile(t *testing.T) {
	in := strings.Join([]string{
		"2024-03-05 10:00:00",
		"    276  Alice                           2141  215",
		"    552  Bob Smith",
		"    564  Carol 12",
		"junk line",
		"    660",
		"",
	}, "\n")
	rf, err := ParseReservationFile(strings.NewReader(in))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC), rf.When)
	assert.Equal(t, map[int]string{276: "Alice", 552: "Bob Smith", 564: "Carol 12"}, rf.Owners)
}

func TestReservationFileFormat(t *testing.T) {
	rf := &ReservationFile{
		When:   time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC),
		Owners: map[int]string{552: "Bob", 276: "Alice"},
	}
	known := queried(276, "Alice")

	var b strings.Builder
	require.NoError(t, rf.Format(&b, func(seq int) (*types.Sequence, bool) {
		if seq == 276 {
			return known, true
		}
		return nil, false
	}))
	want := "2024-03-05 10:00:00\n" +
		known.ReservationLine() + "\n" +
		fmt.Sprintf("%6d  %-30s", 552, "Bob") + "\n"
	assert.Equal(t, want, b.String())

	parsed, err := ParseReservationFile(strings.NewReader(b.String()))
	require.NoError(t, err)
	assert.Equal(t, rf.Owners, parsed.Owners)
}

func TestApplyReservationFile(t *testing.T) {
	sched, st := newScheduler(t,
		rec(276, 0, "Alice"), rec(552, 0, "Bob"), rec(564, 0, ""),
	)
	rf := &ReservationFile{Owners: map[int]string{552: "Carol", 564: "Alice", 999: "Dave"}}

	rc, err := sched.ApplyReservationFile(rf)
	require.NoError(t, err)
	assert.Equal(t, []int{552, 564}, rc.Added)
	assert.Equal(t, []int{276}, rc.Dropped)
	assert.Equal(t, []int{999}, rc.Missing)
	assert.Equal(t, map[string][]int{"Alice": {564}, "Carol": {552}}, sched.Owners())
	assert.Equal(t, 3, st.Len())
}

type fakeComposites map[int64]*big.Int

func (f fakeComposites) Composite(_ context.Context, id int64) (*big.Int, error) {
	n, ok := f[id]
	if !ok {
		return nil, fmt.Errorf("%w: no composite for id %d", types.ErrDataError, id)
	}
	return n, nil
}

func withFactors(seq int, id int64, res, factors string) *types.Sequence {
	r := rec(seq, id, res)
	r.Factors = factors
	return r
}

func TestFindMutationCandidates(t *testing.T) {
	sched, _ := newScheduler(t,
		withFactors(1000, 1, "", "2^3 * 3^2 * C30"),
		withFactors(1002, 2, "Bob", "2^3 * 3^2 * C30"),
		withFactors(1004, 3, "", "2^3 * 5 * C30"),
		withFactors(1006, 4, "", "2^3 * 3^2 * C30 * C40"),
		withFactors(1008, 5, "", "2^3 * 3^2 * C31"),
		withFactors(1010, 0, "", "2^3 * 3^2 * C30"),
		withFactors(1012, 6, "", "2 * 3 * 7"),
	)
	src := fakeComposites{
		1: big.NewInt(65),
		2: big.NewInt(65),
		3: big.NewInt(65),
		4: big.NewInt(65),
	}

	got, err := sched.FindMutationCandidates(context.Background(), classify.Default, src)
	require.NoError(t, err)
	require.Len(t, got, 1)

	c := got[0]
	assert.Equal(t, 1000, c.Seq)
	assert.Equal(t, "2^3 * 3^2", c.Guide)
	assert.Equal(t, 3, c.Class)
	assert.True(t, c.Driver)
	assert.Equal(t, 30, c.Cofactor)
	require.NotEmpty(t, c.Mutations)
	assert.True(t, strings.HasPrefix(c.Line(), "  1000 with guide 2^3 * 3^2 (class 3) may mutate: Assuming that C30"))
}

func TestFindMutationCandidatesCancelled(t *testing.T) {
	sched, _ := newScheduler(t, withFactors(1000, 1, "", "2^3 * 3^2 * C30"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := sched.FindMutationCandidates(ctx, classify.Default, fakeComposites{})
	require.ErrorIs(t, err, context.Canceled)
}
