// Package fdbfile serves factoring database results from a JSONL file
// produced by an external scraper. Each line is either a term record
// (carrying "seq") describing the last known term of a sequence, or an id
// record describing one database entry.
package fdbfile

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mesh-intelligence/allseq/internal/numtheory"
	"github.com/mesh-intelligence/allseq/pkg/types"
)

// line is the union of both record shapes.
type line struct {
	Seq      int    `json:"seq"`
	Size     int    `json:"size"`
	Index    int    `json:"index"`
	ID       int64  `json:"id"`
	Factors  string `json:"factors"`
	Cofactor *int   `json:"cofactor"`

	Status    string `json:"status"`
	Created   string `json:"created"`
	Composite string `json:"composite"`
}

type idEntry struct {
	status    types.Status
	created   string
	composite string
}

// Source answers queries from the loaded file. It is safe for concurrent
// use.
type Source struct {
	logger *slog.Logger
	limit  int

	mu      sync.Mutex
	queries int
	terms   map[int]line
	ids     map[int64]idEntry
}

// Option configures a Source.
type Option func(*Source)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Source) { s.logger = l }
}

// WithQueryLimit makes every query after the first n fail with
// ErrResourceLimitReached. Zero means unlimited.
func WithQueryLimit(n int) Option {
	return func(s *Source) { s.limit = n }
}

// Open reads path. Lines that are not valid JSON or match neither record
// shape are skipped with a warning; later lines win over earlier ones.
func Open(path string, opts ...Option) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	s := &Source{
		logger: slog.New(slog.DiscardHandler),
		terms:  map[int]line{},
		ids:    map[int64]idEntry{},
	}
	for _, opt := range opts {
		opt(s)
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	n := 0
	for scanner.Scan() {
		n++
		raw := scanner.Bytes()
		if len(strings.TrimSpace(string(raw))) == 0 {
			continue
		}
		var l line
		if err := json.Unmarshal(raw, &l); err != nil {
			s.logger.Warn("skipping malformed line", "path", path, "line", n, "error", err)
			continue
		}
		if err := s.add(l); err != nil {
			s.logger.Warn("skipping line", "path", path, "line", n, "error", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning %s: %w", path, err)
	}
	s.logger.Debug("fdb file loaded", "path", path, "terms", len(s.terms), "ids", len(s.ids))
	return s, nil
}

func (s *Source) add(l line) error {
	switch {
	case l.Seq != 0:
		if l.ID == 0 || l.Index <= 0 || l.Factors == "" {
			return fmt.Errorf("term record for %d lacks id, index or factors", l.Seq)
		}
		s.terms[l.Seq] = l
	case l.ID != 0:
		st := types.StatusUnknown
		if l.Status != "" {
			var err error
			if st, err = types.ParseStatus(l.Status); err != nil {
				return err
			}
		}
		s.ids[l.ID] = idEntry{status: st, created: l.Created, composite: l.Composite}
	default:
		return fmt.Errorf("record has neither seq nor id")
	}
	return nil
}

func (s *Source) spend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limit > 0 && s.queries >= s.limit {
		return fmt.Errorf("%w: %d queries", types.ErrResourceLimitReached, s.limit)
	}
	s.queries++
	return nil
}

// QueryIDStatus returns the status of id.
func (s *Source) QueryIDStatus(ctx context.Context, id int64) (types.Status, error) {
	if err := ctx.Err(); err != nil {
		return types.StatusUnknown, err
	}
	if err := s.spend(); err != nil {
		return types.StatusUnknown, err
	}
	e, ok := s.ids[id]
	if !ok {
		return types.StatusUnknown, fmt.Errorf("%w: no status for id %d", types.ErrDataError, id)
	}
	return e.status, nil
}

// QuerySequence returns a fresh record for the last term of seq. Only the
// fields the database reports are set; the cofactor defaults to the size
// of the largest composite in the factor string.
func (s *Source) QuerySequence(ctx context.Context, seq int) (*types.Sequence, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.spend(); err != nil {
		return nil, err
	}
	l, ok := s.terms[seq]
	if !ok {
		return nil, fmt.Errorf("%w: no term for seq %d", types.ErrDataError, seq)
	}
	rec := types.NewSequence(seq)
	rec.Size, rec.Index, rec.ID, rec.Factors = l.Size, l.Index, l.ID, l.Factors
	if l.Cofactor != nil {
		rec.Cofactor = *l.Cofactor
	} else {
		term, err := numtheory.ParseTerm(l.Factors)
		if err != nil {
			return nil, fmt.Errorf("%w: seq %d: %v", types.ErrDataError, seq, err)
		}
		rec.Cofactor = term.Cofactor()
	}
	return rec, nil
}

// IDCreated returns the creation date of id as YYYY-MM-DD.
func (s *Source) IDCreated(ctx context.Context, id int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := s.spend(); err != nil {
		return "", err
	}
	e, ok := s.ids[id]
	if !ok || e.created == "" {
		return "", fmt.Errorf("%w: no creation date for id %d", types.ErrDataError, id)
	}
	date, _, _ := strings.Cut(e.created, " ")
	if _, err := time.Parse(types.DateLayout, date); err != nil {
		return "", fmt.Errorf("%w: id %d created %q", types.ErrDataError, id, e.created)
	}
	return date, nil
}

// Composite returns the value of the unfactored composite of id. It does
// not count against the query limit.
func (s *Source) Composite(ctx context.Context, id int64) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, ok := s.ids[id]
	if !ok || e.composite == "" {
		return nil, fmt.Errorf("%w: no composite for id %d", types.ErrDataError, id)
	}
	n, ok := new(big.Int).SetString(e.composite, 10)
	if !ok || n.Sign() <= 0 {
		return nil, fmt.Errorf("%w: bad composite %q for id %d", types.ErrDataError, e.composite, id)
	}
	return n, nil
}
