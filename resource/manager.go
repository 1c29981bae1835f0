// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package resource

import (
	"bytes"
	"fmt"
	"maps"
	"math"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/luxfi/spatial/utils/timer/mockable"
)

// capacityEpsilon absorbs float error when summing allocated amounts.
const capacityEpsilon = 1e-9

// Manager owns pools and allocations. It is safe for concurrent use.
type Manager struct {
	clock mockable.Source
	log   log.Logger

	lock        sync.RWMutex
	pools       map[string]*Pool
	allocations map[ids.ID]*Allocation
	seq         uint64
}

// NewManager returns an empty manager.
func NewManager(clock mockable.Source, logger log.Logger) *Manager {
	if clock == nil {
		clock = &mockable.Clock{}
	}
	return &Manager{
		clock:       clock,
		log:         logger,
		pools:       make(map[string]*Pool),
		allocations: make(map[ids.ID]*Allocation),
	}
}

// AddPool registers a pool.
func (m *Manager) AddPool(p Pool) error {
	if err := p.validate(); err != nil {
		return err
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	if _, ok := m.pools[p.Type]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateResource, p.Type)
	}
	m.pools[p.Type] = &p
	return nil
}

// Pool returns the pool of the given type.
func (m *Manager) Pool(resourceType string) (Pool, bool) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	p, ok := m.pools[resourceType]
	if !ok {
		return Pool{}, false
	}
	return *p, true
}

// Pools returns every pool ordered by type.
func (m *Manager) Pools() []Pool {
	m.lock.RLock()
	defer m.lock.RUnlock()

	out := make([]Pool, 0, len(m.pools))
	for _, t := range slices.Sorted(maps.Keys(m.pools)) {
		out = append(out, *m.pools[t])
	}
	return out
}

// Available returns the unallocated capacity of a pool.
func (m *Manager) Available(resourceType string) (float64, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	p, ok := m.pools[resourceType]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownResource, resourceType)
	}
	return p.Capacity - m.used(resourceType), nil
}

func (m *Manager) used(resourceType string) float64 {
	now := m.clock.Time()
	total := 0.0
	for _, a := range m.allocations {
		if a.ResourceType == resourceType && !a.Expired(now) {
			total += a.Amount
		}
	}
	return total
}

func (m *Manager) exclusiveHolder(resourceType string) (*Allocation, bool) {
	now := m.clock.Time()
	for _, a := range m.allocations {
		if a.ResourceType == resourceType && a.Exclusive && !a.Expired(now) {
			return a, true
		}
	}
	return nil, false
}

// CanAllocate reports whether req could be granted now.
func (m *Manager) CanAllocate(req Request) error {
	if err := req.Validate(); err != nil {
		return err
	}

	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.canAllocate(req)
}

func (m *Manager) canAllocate(req Request) error {
	p, ok := m.pools[req.ResourceType]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownResource, req.ResourceType)
	}
	if req.Amount > p.Capacity+capacityEpsilon {
		return fmt.Errorf("%w: %s requested %v of capacity %v", ErrInsufficientCapacity, req.ResourceType, req.Amount, p.Capacity)
	}
	if holder, ok := m.exclusiveHolder(req.ResourceType); ok {
		return fmt.Errorf("%w: %s by %s", ErrExclusiveHeld, req.ResourceType, holder.AllocatedTo)
	}
	used := m.used(req.ResourceType)
	if req.Exclusive && used > capacityEpsilon {
		return fmt.Errorf("%w: exclusive %s requested while %v allocated", ErrInsufficientCapacity, req.ResourceType, used)
	}
	if req.Amount > p.Capacity-used+capacityEpsilon {
		return fmt.Errorf("%w: %s requested %v, %v available", ErrInsufficientCapacity, req.ResourceType, req.Amount, p.Capacity-used)
	}
	return nil
}

// Allocate grants req on behalf of proposalID.
func (m *Manager) Allocate(req Request, proposalID ids.ID) (Allocation, error) {
	if err := req.Validate(); err != nil {
		return Allocation{}, err
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	if err := m.canAllocate(req); err != nil {
		return Allocation{}, err
	}
	return m.grant(req, proposalID), nil
}

// grant must be called with the write lock held.
func (m *Manager) grant(req Request, proposalID ids.ID) Allocation {
	m.seq++
	now := m.clock.Time()
	a := &Allocation{
		ID:           allocationID(req, proposalID, m.seq, now),
		ResourceType: req.ResourceType,
		Amount:       req.Amount,
		AllocatedTo:  req.AgentID,
		StartTime:    now,
		Duration:     req.Duration,
		Exclusive:    req.Exclusive,
		ProposalID:   proposalID,
	}
	m.allocations[a.ID] = a
	m.log.Debug("granted allocation",
		log.Stringer("allocationID", a.ID),
		log.String("resourceType", a.ResourceType),
		log.String("agentID", a.AllocatedTo),
	)
	return *a
}

// Share is one party's claim in a proportional split.
type Share struct {
	Request    Request
	ProposalID ids.ID
}

// Split divides a divisible pool's available capacity between the shares
// in proportion to their requested amounts. No share receives more than it
// asked for.
func (m *Manager) Split(shares []Share) ([]Allocation, error) {
	if len(shares) == 0 {
		return nil, nil
	}
	resourceType := shares[0].Request.ResourceType
	total := 0.0
	for _, s := range shares {
		if err := s.Request.Validate(); err != nil {
			return nil, err
		}
		if s.Request.ResourceType != resourceType {
			return nil, fmt.Errorf("%w: split across %s and %s", ErrInvalidRequest, resourceType, s.Request.ResourceType)
		}
		if s.Request.Exclusive {
			return nil, fmt.Errorf("%w: exclusive request from %s cannot be shared", ErrInvalidRequest, s.Request.AgentID)
		}
		total += s.Request.Amount
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	p, ok := m.pools[resourceType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownResource, resourceType)
	}
	if !p.Divisible {
		return nil, fmt.Errorf("%w: %s is not divisible", ErrInvalidRequest, resourceType)
	}
	if holder, ok := m.exclusiveHolder(resourceType); ok {
		return nil, fmt.Errorf("%w: %s by %s", ErrExclusiveHeld, resourceType, holder.AllocatedTo)
	}
	available := p.Capacity - m.used(resourceType)
	if available <= capacityEpsilon {
		return nil, fmt.Errorf("%w: %s exhausted", ErrInsufficientCapacity, resourceType)
	}
	scale := math.Min(1, available/total)

	out := make([]Allocation, 0, len(shares))
	for _, s := range shares {
		req := s.Request
		req.Amount *= scale
		out = append(out, m.grant(req, s.ProposalID))
	}
	return out, nil
}

// Release returns an allocation to its pool.
func (m *Manager) Release(id ids.ID) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if _, ok := m.allocations[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAllocation, id)
	}
	delete(m.allocations, id)
	return nil
}

// ReleaseAgent releases every allocation held by agentID.
func (m *Manager) ReleaseAgent(agentID string) int {
	m.lock.Lock()
	defer m.lock.Unlock()

	n := 0
	for id, a := range m.allocations {
		if a.AllocatedTo == agentID {
			delete(m.allocations, id)
			n++
		}
	}
	return n
}

// Expire drops allocations that have lapsed at now and returns them.
func (m *Manager) Expire(now time.Time) []Allocation {
	m.lock.Lock()
	defer m.lock.Unlock()

	var out []Allocation
	for id, a := range m.allocations {
		if a.Expired(now) {
			out = append(out, *a)
			delete(m.allocations, id)
		}
	}
	sortAllocations(out)
	return out
}

// Allocation returns the allocation with the given id.
func (m *Manager) Allocation(id ids.ID) (Allocation, bool) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	a, ok := m.allocations[id]
	if !ok {
		return Allocation{}, false
	}
	return *a, true
}

// Allocations returns every allocation ordered by start time.
func (m *Manager) Allocations() []Allocation {
	m.lock.RLock()
	defer m.lock.RUnlock()

	out := make([]Allocation, 0, len(m.allocations))
	for _, a := range m.allocations {
		out = append(out, *a)
	}
	sortAllocations(out)
	return out
}

func sortAllocations(out []Allocation) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0
	})
}

// Utilization returns the allocated fraction of every pool and the overall
// fraction across all pools.
func (m *Manager) Utilization() (map[string]float64, float64) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	per := make(map[string]float64, len(m.pools))
	var used, capacity float64
	for t, p := range m.pools {
		u := m.used(t)
		per[t] = math.Min(1, u/p.Capacity)
		used += u
		capacity += p.Capacity
	}
	if capacity == 0 {
		return per, 0
	}
	return per, math.Min(1, used/capacity)
}

// Fallbacks generates options for a request that cannot be granted now.
// There is always at least one option for a known pool.
func (m *Manager) Fallbacks(req Request) []FallbackOption {
	m.lock.RLock()
	defer m.lock.RUnlock()

	p, ok := m.pools[req.ResourceType]
	if !ok {
		return nil
	}
	now := m.clock.Time()
	var out []FallbackOption

	if at, ok := m.freesAt(req, now); ok {
		out = append(out, FallbackOption{
			Kind:         FallbackWait,
			ResourceType: req.ResourceType,
			Amount:       req.Amount,
			AvailableAt:  at,
			Description:  fmt.Sprintf("retry %s after %s", req.ResourceType, at.Sub(now)),
		})
	}
	if _, held := m.exclusiveHolder(req.ResourceType); !held && p.Divisible && !req.Exclusive {
		if avail := p.Capacity - m.used(req.ResourceType); avail > capacityEpsilon && avail < req.Amount {
			out = append(out, FallbackOption{
				Kind:         FallbackReduced,
				ResourceType: req.ResourceType,
				Amount:       avail,
				Description:  fmt.Sprintf("accept %v of %s now", avail, req.ResourceType),
			})
		}
	}
	if p.Class != "" {
		for _, t := range slices.Sorted(maps.Keys(m.pools)) {
			alt := m.pools[t]
			if t == req.ResourceType || alt.Class != p.Class {
				continue
			}
			altReq := req
			altReq.ResourceType = t
			if m.canAllocate(altReq) == nil {
				out = append(out, FallbackOption{
					Kind:         FallbackAlternative,
					ResourceType: t,
					Amount:       req.Amount,
					Description:  fmt.Sprintf("use %s instead of %s", t, req.ResourceType),
				})
			}
		}
	}
	if len(out) == 0 {
		out = append(out, FallbackOption{
			Kind:         FallbackQueue,
			ResourceType: req.ResourceType,
			Amount:       req.Amount,
			Description:  fmt.Sprintf("resubmit once the current %s holder releases", req.ResourceType),
		})
	}
	return out
}

// freesAt returns the earliest time at which enough timed allocations have
// lapsed for req to fit. Open-ended allocations never lapse.
func (m *Manager) freesAt(req Request, now time.Time) (time.Time, bool) {
	p := m.pools[req.ResourceType]
	var active []*Allocation
	for _, a := range m.allocations {
		if a.ResourceType == req.ResourceType && !a.Expired(now) {
			active = append(active, a)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		ei, ej := active[i].End(), active[j].End()
		switch {
		case ei.IsZero():
			return false
		case ej.IsZero():
			return true
		default:
			return ei.Before(ej)
		}
	})

	used := 0.0
	for _, a := range active {
		used += a.Amount
	}
	for _, a := range active {
		end := a.End()
		if end.IsZero() {
			break
		}
		used -= a.Amount
		fits := req.Amount <= p.Capacity-used+capacityEpsilon
		if req.Exclusive {
			fits = used <= capacityEpsilon
		}
		if fits {
			return end, true
		}
	}
	return time.Time{}, false
}

// Snapshot copies the allocation table for a later Restore.
func (m *Manager) Snapshot() map[ids.ID]Allocation {
	m.lock.RLock()
	defer m.lock.RUnlock()

	out := make(map[ids.ID]Allocation, len(m.allocations))
	for id, a := range m.allocations {
		out[id] = *a
	}
	return out
}

// Restore replaces the allocation table with a snapshot.
func (m *Manager) Restore(s map[ids.ID]Allocation) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.allocations = make(map[ids.ID]*Allocation, len(s))
	for id, a := range s {
		m.allocations[id] = &a
	}
}
