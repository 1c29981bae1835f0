// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package index

import "errors"

var (
	ErrInvalidEntity  = errors.New("invalid entity")
	ErrOutOfBounds    = errors.New("entity outside workspace")
	ErrUnknownEntity  = errors.New("unknown entity")
	ErrDuplicateEntry = errors.New("entity already registered")
	ErrInvalidZone    = errors.New("invalid zone")
	ErrUnknownZone    = errors.New("unknown zone")
	ErrZoneFull       = errors.New("zone at capacity")
	ErrAccessDenied   = errors.New("zone access denied")
	// ErrStaleIndex is returned by the octree when it lags too far behind
	// the grid. Queries retry against the grid.
	ErrStaleIndex = errors.New("spatial index rebuild in progress")
	// ErrInconsistent reports a committed state that violates an index
	// invariant. It is fatal to the caller.
	ErrInconsistent = errors.New("spatial index inconsistent")
)
