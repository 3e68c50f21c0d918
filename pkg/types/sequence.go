// This file defines the sequence record.

package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Timestamp layouts used in the snapshot.
const (
	TimeLayout = "2006-01-02 15:04:05"
	DateLayout = "2006-01-02"
)

// Bounds for newly registered sequence leaders.
const (
	MinSeq = 276
	MaxSeq = 10_000_000
)

// Guide markers that are not factorizations.
const (
	GuideDowndriver = "Downdriver!"
	GuideTerminated = "Terminated?"
)

// Sequence is the persisted record of one tracked sequence leader.
type Sequence struct {
	Seq       int      // Original sequence leader; primary key, immutable.
	Size      int      // Decimal digits of the last computed term.
	Index     int      // Terms computed so far; -1 means never queried.
	Guide     string   // Guide factorization or a marker such as GuideDowndriver.
	Class     *int     // Driver class of the guide; nil until classified.
	Abundance *float64 // sigma(k)/k - 1 over the known part of the term.
	Cofactor  int      // Digits of the largest unfactored composite, 0 if none.
	Factors   string   // Factorization of the last term, "2^3 * 3 * C120" style.
	Res       string   // Reservation owner; empty when unreserved.
	Progress  Progress // Digits gained since last update, or stall date.
	Time      string   // Last successful query, TimeLayout in UTC.
	Priority  float64  // Scheduling score; lower pops first.
	ID        int64    // Factoring database id of the last term.
	Driver    *bool    // True when class <= 1.
}

// NewSequence returns a never-queried record for seq.
func NewSequence(seq int) *Sequence {
	return &Sequence{Seq: seq, Index: -1, Priority: -1}
}

// ValidateLeader reports whether seq may be registered as a new leader.
func ValidateLeader(seq int) error {
	if seq <= MinSeq || seq >= MaxSeq || seq&1 != 0 {
		return fmt.Errorf("%w: %d", ErrInvalidSeq, seq)
	}
	return nil
}

// Clone returns a deep copy.
func (s *Sequence) Clone() *Sequence {
	c := *s
	if s.Class != nil {
		v := *s.Class
		c.Class = &v
	}
	if s.Abundance != nil {
		v := *s.Abundance
		c.Abundance = &v
	}
	if s.Driver != nil {
		v := *s.Driver
		c.Driver = &v
	}
	return &c
}

// SetClassification stores the guide string, class and driver flag.
func (s *Sequence) SetClassification(guide string, class int, driver bool) {
	s.Guide = guide
	s.Class = &class
	s.Driver = &driver
}

// IsMinimallyValid reports whether the record carries enough data to be
// printed in the text summary.
func (s *Sequence) IsMinimallyValid() bool {
	return s.Seq != 0 && s.Size > 0 && s.Index > 0 && s.Factors != ""
}

// IsDriver returns the driver flag, false when unclassified.
func (s *Sequence) IsDriver() bool {
	return s.Driver != nil && *s.Driver
}

// LastUpdate parses Time.
func (s *Sequence) LastUpdate() (time.Time, error) {
	t, err := time.Parse(TimeLayout, s.Time)
	if err != nil {
		return time.Time{}, fmt.Errorf("seq %d: parse time %q: %w", s.Seq, s.Time, err)
	}
	return t, nil
}

// SummaryLine renders the flat-text summary line. Callers must check
// IsMinimallyValid first.
func (s *Sequence) SummaryLine() string {
	return fmt.Sprintf("%7d %5d. sz %3d %s", s.Seq, s.Index, s.Size, s.Factors)
}

// ReservationLine renders the reservation post line, or "" if unreserved.
func (s *Sequence) ReservationLine() string {
	if s.Res == "" {
		return ""
	}
	return fmt.Sprintf("%7d  %-30s %5d  %3d", s.Seq, s.Res, s.Index, s.Size)
}

// ProgressKind discriminates Progress values.
type ProgressKind int

const (
	ProgressUnknown ProgressKind = iota
	ProgressDigits
	ProgressStalled
)

// Progress is either a digit delta since the previous update or the date
// on which the sequence was last seen to stall.
type Progress struct {
	Kind   ProgressKind
	Digits int
	Since  string // DateLayout, set when Kind == ProgressStalled
}

// Digits returns a digit-delta progress.
func Digits(n int) Progress { return Progress{Kind: ProgressDigits, Digits: n} }

// StalledSince returns a stall-date progress.
func StalledSince(date string) Progress { return Progress{Kind: ProgressStalled, Since: date} }

// SinceDate parses the stall date.
func (p Progress) SinceDate() (time.Time, error) {
	return time.Parse(DateLayout, p.Since)
}

func (p Progress) String() string {
	switch p.Kind {
	case ProgressDigits:
		return fmt.Sprint(p.Digits)
	case ProgressStalled:
		return p.Since
	default:
		return ""
	}
}

// MarshalJSON encodes null, a number, or a date string.
func (p Progress) MarshalJSON() ([]byte, error) {
	switch p.Kind {
	case ProgressDigits:
		return json.Marshal(p.Digits)
	case ProgressStalled:
		return json.Marshal(p.Since)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON accepts null, an integer, or a date string.
func (p *Progress) UnmarshalJSON(b []byte) error {
	var v any
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return err
	}
	return p.fromAny(v)
}

func (p *Progress) fromAny(v any) error {
	switch x := v.(type) {
	case nil:
		*p = Progress{}
	case json.Number:
		n, err := x.Int64()
		if err != nil {
			return fmt.Errorf("progress %q is not an integer", x)
		}
		*p = Digits(int(n))
	case string:
		if _, err := time.Parse(DateLayout, x); err != nil {
			return fmt.Errorf("progress %q is not a date", x)
		}
		*p = StalledSince(x)
	default:
		return fmt.Errorf("progress has unsupported type %T", v)
	}
	return nil
}
