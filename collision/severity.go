// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package collision

import (
	"errors"
	"fmt"
)

var errUnknownSeverity = errors.New("unknown severity")

// Severity ranks how bad an overlap is.
type Severity uint8

const (
	Low Severity = iota
	Medium
	High
	Critical
)

// Ratio band upper bounds. A ratio above highBand is critical.
const (
	lowBand    = 0.05
	mediumBand = 0.20
	highBand   = 0.50
)

func (s Severity) String() string {
	switch s {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

func (s Severity) MarshalText() ([]byte, error) {
	if s > Critical {
		return nil, fmt.Errorf("%w: %d", errUnknownSeverity, s)
	}
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(b []byte) error {
	for v := Low; v <= Critical; v++ {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("%w: %q", errUnknownSeverity, b)
}

// Bump raises s by one band, capped at Critical.
func (s Severity) Bump() Severity {
	if s >= Critical {
		return Critical
	}
	return s + 1
}

// SeverityOf maps an overlap ratio (intersection volume over the smaller
// volume) to a band. Agent pairs rank one band higher.
func SeverityOf(ratio float64, agentPair bool) Severity {
	var s Severity
	switch {
	case ratio < lowBand:
		s = Low
	case ratio < mediumBand:
		s = Medium
	case ratio <= highBand:
		s = High
	default:
		s = Critical
	}
	if agentPair {
		s = s.Bump()
	}
	return s
}
