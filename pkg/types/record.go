// This file implements the positional JSON codec of a sequence record.

package types

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Positional slots of a sequence record in the snapshot's aaData array.
// The order is part of the file format; append new slots at the end.
const (
	slotSeq = iota
	slotSize
	slotIndex
	slotGuide
	slotClass
	slotAbundance
	slotCofactor
	slotFactors
	slotRes
	slotProgress
	slotTime
	slotPriority
	slotID
	slotDriver

	RecordArity
)

// MarshalJSON encodes the record as a positional array.
func (s *Sequence) MarshalJSON() ([]byte, error) {
	row := make([]any, RecordArity)
	row[slotSeq] = s.Seq
	row[slotSize] = s.Size
	row[slotIndex] = s.Index
	row[slotGuide] = s.Guide
	row[slotClass] = s.Class
	row[slotAbundance] = s.Abundance
	row[slotCofactor] = s.Cofactor
	row[slotFactors] = s.Factors
	row[slotRes] = s.Res
	row[slotProgress] = s.Progress
	row[slotTime] = s.Time
	row[slotPriority] = s.Priority
	row[slotID] = s.ID
	row[slotDriver] = s.Driver
	return json.Marshal(row)
}

// UnmarshalJSON decodes a positional array. Missing trailing slots take
// their defaults; slots beyond RecordArity are ignored.
func (s *Sequence) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var row []any
	if err := dec.Decode(&row); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if row == nil {
		return fmt.Errorf("%w: record is not an array", ErrMalformedRecord)
	}
	if err := s.fromRow(row); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	return nil
}

func (s *Sequence) fromRow(row []any) error {
	*s = Sequence{Priority: -1}
	slot := func(i int) any {
		if i < len(row) {
			return row[i]
		}
		return nil
	}

	var err error
	if s.Seq, err = intSlot(slot(slotSeq), "seq"); err != nil {
		return err
	}
	if s.Size, err = intSlot(slot(slotSize), "size"); err != nil {
		return err
	}
	if s.Index, err = intSlot(slot(slotIndex), "index"); err != nil {
		return err
	}
	if s.Guide, err = stringSlot(slot(slotGuide), "guide"); err != nil {
		return err
	}
	if v := slot(slotClass); v != nil {
		c, err := intSlot(v, "klass")
		if err != nil {
			return err
		}
		s.Class = &c
	}
	if v := slot(slotAbundance); v != nil {
		a, err := floatSlot(v, "abundance")
		if err != nil {
			return err
		}
		s.Abundance = &a
	}
	if s.Cofactor, err = intSlot(slot(slotCofactor), "cofactor"); err != nil {
		return err
	}
	if s.Factors, err = stringSlot(slot(slotFactors), "factors"); err != nil {
		return err
	}
	if s.Res, err = stringSlot(slot(slotRes), "res"); err != nil {
		return err
	}
	if err := s.Progress.fromAny(slot(slotProgress)); err != nil {
		return err
	}
	if s.Time, err = stringSlot(slot(slotTime), "time"); err != nil {
		return err
	}
	if v := slot(slotPriority); v != nil {
		if s.Priority, err = floatSlot(v, "priority"); err != nil {
			return err
		}
	}
	if v := slot(slotID); v != nil {
		n, ok := v.(json.Number)
		if !ok {
			return fmt.Errorf("id: expected number, got %T", v)
		}
		if s.ID, err = n.Int64(); err != nil {
			return fmt.Errorf("id: %v", err)
		}
	}
	if v := slot(slotDriver); v != nil {
		d, ok := v.(bool)
		if !ok {
			return fmt.Errorf("driver: expected bool, got %T", v)
		}
		s.Driver = &d
	}
	return nil
}

func intSlot(v any, name string) (int, error) {
	if v == nil {
		return 0, nil
	}
	n, ok := v.(json.Number)
	if !ok {
		return 0, fmt.Errorf("%s: expected number, got %T", name, v)
	}
	i, err := n.Int64()
	if err != nil {
		return 0, fmt.Errorf("%s: %v", name, err)
	}
	return int(i), nil
}

func floatSlot(v any, name string) (float64, error) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, fmt.Errorf("%s: expected number, got %T", name, v)
	}
	f, err := n.Float64()
	if err != nil {
		return 0, fmt.Errorf("%s: %v", name, err)
	}
	return f, nil
}

func stringSlot(v any, name string) (string, error) {
	if v == nil {
		return "", nil
	}
	str, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s: expected string, got %T", name, v)
	}
	return str, nil
}
