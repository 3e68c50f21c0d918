// This file defines the factoring database status codes.

package types

import (
	"fmt"
	"strings"
)

// Status is the factoring database's classification of a number.
type Status int

// Factoring database statuses.
const (
	StatusUnknown Status = iota
	StatusPrime
	StatusProbablyPrime
	StatusCompositeNoFactors
	StatusCompositePartiallyFactored
	StatusCompositeFullyFactored
)

var statusNames = map[Status]string{
	StatusUnknown:                    "Unknown",
	StatusPrime:                      "Prime",
	StatusProbablyPrime:              "ProbablyPrime",
	StatusCompositeNoFactors:         "CompositeNoFactors",
	StatusCompositePartiallyFactored: "CompositePartiallyFactored",
	StatusCompositeFullyFactored:     "CompositeFullyFactored",
}

// statusCodes maps the short codes the factoring database prints.
var statusCodes = map[string]Status{
	"U":   StatusUnknown,
	"P":   StatusPrime,
	"PRP": StatusProbablyPrime,
	"C":   StatusCompositeNoFactors,
	"CF":  StatusCompositePartiallyFactored,
	"FF":  StatusCompositeFullyFactored,
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// ParseStatus accepts either the long name or the short database code.
func ParseStatus(s string) (Status, error) {
	s = strings.TrimSpace(s)
	if st, ok := statusCodes[strings.ToUpper(s)]; ok {
		return st, nil
	}
	for st, name := range statusNames {
		if strings.EqualFold(name, s) {
			return st, nil
		}
	}
	return StatusUnknown, fmt.Errorf("%w: unknown status %q", ErrDataError, s)
}
