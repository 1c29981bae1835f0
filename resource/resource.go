// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package resource tracks capacity-bounded resource pools and the
// allocations granted against them.
package resource

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/luxfi/ids"
)

var (
	ErrUnknownResource      = errors.New("unknown resource")
	ErrDuplicateResource    = errors.New("resource already registered")
	ErrInvalidPool          = errors.New("invalid resource pool")
	ErrInvalidRequest       = errors.New("invalid allocation request")
	ErrInsufficientCapacity = errors.New("insufficient resource capacity")
	ErrExclusiveHeld        = errors.New("resource held exclusively")
	ErrUnknownAllocation    = errors.New("unknown allocation")
)

// Pool is a resource type with a fixed capacity. Indivisible pools grant
// only whole requests; divisible pools may be split proportionally between
// contenders.
type Pool struct {
	Type      string  `json:"resourceType"`
	Capacity  float64 `json:"capacity"`
	Divisible bool    `json:"divisible"`
	// Class groups interchangeable pools; pools of the same class are
	// offered as alternatives to one another.
	Class string `json:"class,omitempty"`
	// EntityID optionally ties the pool to a resource entity in the index.
	EntityID string `json:"entityId,omitempty"`
}

func (p Pool) validate() error {
	switch {
	case p.Type == "":
		return fmt.Errorf("%w: empty type", ErrInvalidPool)
	case p.Capacity <= 0:
		return fmt.Errorf("%w: %s capacity %v", ErrInvalidPool, p.Type, p.Capacity)
	}
	return nil
}

// Request asks for Amount of ResourceType on behalf of AgentID.
type Request struct {
	ResourceType string        `json:"resourceType"`
	Amount       float64       `json:"amount"`
	AgentID      string        `json:"agentId"`
	Duration     time.Duration `json:"duration"`
	Exclusive    bool          `json:"exclusiveAccess"`
}

// Validate checks the request shape.
func (r Request) Validate() error {
	switch {
	case r.ResourceType == "":
		return fmt.Errorf("%w: empty resource type", ErrInvalidRequest)
	case r.AgentID == "":
		return fmt.Errorf("%w: empty agent", ErrInvalidRequest)
	case r.Amount <= 0:
		return fmt.Errorf("%w: amount %v", ErrInvalidRequest, r.Amount)
	case r.Duration < 0:
		return fmt.Errorf("%w: duration %v", ErrInvalidRequest, r.Duration)
	}
	return nil
}

// Allocation is a granted share of a pool. A zero Duration holds until
// released.
type Allocation struct {
	ID           ids.ID        `json:"id"`
	ResourceType string        `json:"resourceType"`
	Amount       float64       `json:"amount"`
	AllocatedTo  string        `json:"allocatedTo"`
	StartTime    time.Time     `json:"startTime"`
	Duration     time.Duration `json:"duration"`
	Exclusive    bool          `json:"exclusive"`
	ProposalID   ids.ID        `json:"proposalId"`
}

// End returns when the allocation lapses, or the zero time if it is open
// ended.
func (a Allocation) End() time.Time {
	if a.Duration == 0 {
		return time.Time{}
	}
	return a.StartTime.Add(a.Duration)
}

// Expired reports whether the allocation has lapsed at now.
func (a Allocation) Expired(now time.Time) bool {
	end := a.End()
	return !end.IsZero() && !now.Before(end)
}

func allocationID(req Request, proposalID ids.ID, seq uint64, at time.Time) ids.ID {
	b := make([]byte, 0, 96)
	b = append(b, req.ResourceType...)
	b = append(b, 0)
	b = append(b, req.AgentID...)
	b = append(b, 0)
	b = append(b, proposalID[:]...)
	b = binary.BigEndian.AppendUint64(b, seq)
	b = binary.BigEndian.AppendUint64(b, uint64(at.UnixNano()))
	return ids.ID(sha256.Sum256(b))
}

// FallbackKind names a kind of fallback offered to a denied request.
type FallbackKind string

const (
	// FallbackWait retries the same request once capacity frees up.
	FallbackWait FallbackKind = "wait"
	// FallbackReduced accepts what is currently available.
	FallbackReduced FallbackKind = "reduced_amount"
	// FallbackAlternative uses an interchangeable pool.
	FallbackAlternative FallbackKind = "alternative_resource"
	// FallbackQueue resubmits after the current holder releases.
	FallbackQueue FallbackKind = "queue"
)

// FallbackOption is a suggestion generated for a request that was denied.
type FallbackOption struct {
	Kind         FallbackKind `json:"kind"`
	ResourceType string       `json:"resourceType"`
	Amount       float64      `json:"amount"`
	AvailableAt  time.Time    `json:"availableAt,omitzero"`
	Description  string       `json:"description"`
}
