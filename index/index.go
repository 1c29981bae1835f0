// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package index maintains the world model: entities bucketed in a uniform
// grid, an optional octree for dense scenes, zones with id-based membership
// and a time-ordered movement history.
package index

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luxfi/log"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/luxfi/spatial/config"
	"github.com/luxfi/spatial/geom"
	"github.com/luxfi/spatial/roster"
	"github.com/luxfi/spatial/utils/timer/mockable"
)

var errNoOctree = errors.New("no octree")

// Index is safe for concurrent use. Mutations take the write lock; queries
// share the read lock and see the last committed state.
type Index struct {
	cfg   config.Config
	clock mockable.Source
	log   log.Logger

	lock       sync.RWMutex
	entities   map[string]*Entity
	zones      map[string]*Zone
	members    map[string]map[string]struct{} // zoneID -> agentIDs
	grid       *grid
	history    *history
	generation uint64

	tree  *octree
	dirty map[string]struct{} // ids mutated since tree was built
	churn int                 // mutations since the last rebuild

	rebuilds       atomic.Uint64
	staleFallbacks atomic.Uint64
}

// New returns an empty index over cfg.Workspace.
func New(cfg config.Config, clock mockable.Source, logger log.Logger) (*Index, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = &mockable.Clock{}
	}
	return &Index{
		cfg:      cfg,
		clock:    clock,
		log:      logger,
		entities: make(map[string]*Entity),
		zones:    make(map[string]*Zone),
		members:  make(map[string]map[string]struct{}),
		grid:     newGrid(cfg.SpatialResolution),
		history:  newHistory(),
		dirty:    make(map[string]struct{}),
	}, nil
}

// Workspace returns the workspace box.
func (i *Index) Workspace() geom.Box {
	return i.cfg.Workspace
}

// Resolution returns the grid cell size.
func (i *Index) Resolution() float64 {
	return i.cfg.SpatialResolution
}

// Generation increases on every committed mutation.
func (i *Index) Generation() uint64 {
	i.lock.RLock()
	defer i.lock.RUnlock()
	return i.generation
}

// Register adds a new entity.
func (i *Index) Register(e Entity) error {
	if err := e.validate(i.cfg.Workspace); err != nil {
		return err
	}

	i.lock.Lock()
	defer i.lock.Unlock()

	if _, ok := i.entities[e.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateEntry, e.ID)
	}
	i.put(&e)
	i.log.Debug("registered entity",
		log.String("id", e.ID),
		log.Stringer("kind", e.Kind),
	)
	return nil
}

// Update replaces a registered entity. A position change is recorded in
// the movement history.
func (i *Index) Update(e Entity) error {
	if err := e.validate(i.cfg.Workspace); err != nil {
		return err
	}

	i.lock.Lock()
	defer i.lock.Unlock()

	prev, ok := i.entities[e.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, e.ID)
	}
	i.grid.remove(e.ID)
	i.put(&e)
	if prev.Position != e.Position {
		i.history.record(e.ID, prev.Position, e.Position, e.LastUpdated)
	}
	return nil
}

// Move translates a registered entity to position.
func (i *Index) Move(id string, position r3.Vec) error {
	e, ok := i.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, id)
	}
	return i.Update(e.At(position))
}

// SetVelocity replaces the movement vector of a registered entity.
func (i *Index) SetVelocity(id string, v r3.Vec) error {
	e, ok := i.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, id)
	}
	e.Velocity = v
	return i.Update(e)
}

// Unregister removes an entity and all of its zone memberships.
func (i *Index) Unregister(id string) error {
	i.lock.Lock()
	defer i.lock.Unlock()

	if _, ok := i.entities[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, id)
	}
	i.drop(id)
	for _, set := range i.members {
		delete(set, id)
	}
	return nil
}

// put must be called with the write lock held.
func (i *Index) put(e *Entity) {
	c := e.clone()
	c.LastUpdated = i.clock.Time()
	e.LastUpdated = c.LastUpdated
	i.entities[c.ID] = c
	i.grid.insert(c.ID, c.Bounds)
	i.touch(c.ID)
}

// drop must be called with the write lock held.
func (i *Index) drop(id string) {
	delete(i.entities, id)
	i.grid.remove(id)
	i.touch(id)
}

func (i *Index) touch(id string) {
	i.generation++
	i.churn++
	if i.tree != nil {
		i.dirty[id] = struct{}{}
	}
}

// Get returns a copy of the entity.
func (i *Index) Get(id string) (Entity, bool) {
	i.lock.RLock()
	defer i.lock.RUnlock()

	e, ok := i.entities[id]
	if !ok {
		return Entity{}, false
	}
	return *e.clone(), true
}

// All returns copies of every entity, ordered by id.
func (i *Index) All() []Entity {
	i.lock.RLock()
	defer i.lock.RUnlock()

	out := make([]Entity, 0, len(i.entities))
	for _, id := range slices.Sorted(maps.Keys(i.entities)) {
		out = append(out, *i.entities[id].clone())
	}
	return out
}

// Len returns the number of registered entities.
func (i *Index) Len() int {
	i.lock.RLock()
	defer i.lock.RUnlock()
	return len(i.entities)
}

// QueryNearby returns the entities whose position lies within radius of
// center, nearest first. When kinds are given only those kinds are returned.
func (i *Index) QueryNearby(center r3.Vec, radius float64, kinds ...Kind) []Entity {
	if radius < 0 || !geom.Finite(center) {
		return nil
	}

	i.lock.RLock()
	defer i.lock.RUnlock()

	ids, err := i.fromOctree(func(t *octree) []string { return t.queryRadius(center, radius) })
	if err != nil {
		ids = i.grid.queryRadius(center, radius)
	}

	type hit struct {
		entity Entity
		dist   float64
	}
	var hits []hit
	for _, id := range ids {
		e, ok := i.entities[id]
		if !ok || (len(kinds) > 0 && !slices.Contains(kinds, e.Kind)) {
			continue
		}
		d := geom.Distance(e.Position, center)
		if d > radius {
			continue
		}
		hits = append(hits, hit{entity: *e.clone(), dist: d})
	}
	sort.Slice(hits, func(a, b int) bool {
		if hits[a].dist != hits[b].dist {
			return hits[a].dist < hits[b].dist
		}
		return hits[a].entity.ID < hits[b].entity.ID
	})
	out := make([]Entity, len(hits))
	for n, h := range hits {
		out[n] = h.entity
	}
	return out
}

// EntitiesInBounds returns the entities whose bounding box touches or
// overlaps box, ordered by id.
func (i *Index) EntitiesInBounds(box geom.Box) []Entity {
	if !box.Valid() {
		return nil
	}

	i.lock.RLock()
	defer i.lock.RUnlock()

	ids, err := i.fromOctree(func(t *octree) []string { return t.query(box) })
	if err != nil {
		ids = i.grid.query(box)
	}
	var out []Entity
	for _, id := range ids {
		e, ok := i.entities[id]
		if !ok || !touches(e.Bounds, box) {
			continue
		}
		out = append(out, *e.clone())
	}
	return out
}

// fromOctree answers a candidate query from the octree, merged with the ids
// mutated since it was built. Must be called with the read lock held.
func (i *Index) fromOctree(query func(*octree) []string) ([]string, error) {
	switch {
	case i.tree == nil:
		return nil, errNoOctree
	case len(i.dirty) > i.cfg.ChurnThreshold:
		i.staleFallbacks.Add(1)
		return nil, fmt.Errorf("%w: %d mutations since generation %d", ErrStaleIndex, len(i.dirty), i.tree.generation)
	}
	ids := query(i.tree)
	if len(i.dirty) == 0 {
		return ids, nil
	}
	seen := make(map[string]struct{}, len(ids)+len(i.dirty))
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	for id := range i.dirty {
		if _, ok := seen[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// CreateZone registers a zone with an empty membership set.
func (i *Index) CreateZone(z Zone) error {
	if err := z.validate(i.cfg.Workspace); err != nil {
		return err
	}

	i.lock.Lock()
	defer i.lock.Unlock()

	if _, ok := i.zones[z.ID]; ok {
		return fmt.Errorf("%w: zone %s", ErrDuplicateEntry, z.ID)
	}
	i.zones[z.ID] = z.clone()
	i.members[z.ID] = make(map[string]struct{})
	i.generation++
	return nil
}

// UpdateZone replaces the definition of an existing zone and keeps its
// members. Shrinking the capacity below the occupancy is allowed; the
// excess is reported as a zone violation until resolved.
func (i *Index) UpdateZone(z Zone) error {
	if err := z.validate(i.cfg.Workspace); err != nil {
		return err
	}

	i.lock.Lock()
	defer i.lock.Unlock()

	if _, ok := i.zones[z.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownZone, z.ID)
	}
	i.zones[z.ID] = z.clone()
	i.generation++
	return nil
}

// DeleteZone removes a zone and its membership set.
func (i *Index) DeleteZone(id string) error {
	i.lock.Lock()
	defer i.lock.Unlock()

	if _, ok := i.zones[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownZone, id)
	}
	delete(i.zones, id)
	delete(i.members, id)
	i.generation++
	return nil
}

// Zone returns a copy of the zone.
func (i *Index) Zone(id string) (Zone, bool) {
	i.lock.RLock()
	defer i.lock.RUnlock()

	z, ok := i.zones[id]
	if !ok {
		return Zone{}, false
	}
	return *z.clone(), true
}

// Zones returns copies of every zone, ordered by id.
func (i *Index) Zones() []Zone {
	i.lock.RLock()
	defer i.lock.RUnlock()

	out := make([]Zone, 0, len(i.zones))
	for _, id := range slices.Sorted(maps.Keys(i.zones)) {
		out = append(out, *i.zones[id].clone())
	}
	return out
}

// ZonesAt returns the zones whose boundaries contain p, ordered by id.
func (i *Index) ZonesAt(p r3.Vec) []Zone {
	var out []Zone
	for _, z := range i.Zones() {
		if z.Bounds.Contains(p) {
			out = append(out, z)
		}
	}
	return out
}

// CheckAccess reports whether agent may enter zoneID now. An existing
// member is always allowed. A full zone rejects before any rule is
// evaluated.
func (i *Index) CheckAccess(zoneID string, agent roster.Agent) error {
	i.lock.RLock()
	defer i.lock.RUnlock()
	return i.checkAccess(zoneID, agent)
}

func (i *Index) checkAccess(zoneID string, agent roster.Agent) error {
	z, ok := i.zones[zoneID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownZone, zoneID)
	}
	set := i.members[zoneID]
	if _, ok := set[agent.ID]; ok {
		return nil
	}
	if z.Capacity > 0 && len(set) >= z.Capacity {
		return fmt.Errorf("%w: %s has %d/%d occupants", ErrZoneFull, zoneID, len(set), z.Capacity)
	}
	if !z.Allows(agent) {
		return fmt.Errorf("%w: %s to %s", ErrAccessDenied, agent.ID, zoneID)
	}
	return nil
}

// Enter adds agent to the zone's membership after checking access.
func (i *Index) Enter(zoneID string, agent roster.Agent) error {
	i.lock.Lock()
	defer i.lock.Unlock()

	if err := i.checkAccess(zoneID, agent); err != nil {
		return err
	}
	i.members[zoneID][agent.ID] = struct{}{}
	i.generation++
	return nil
}

// Exit removes agentID from the zone's membership.
func (i *Index) Exit(zoneID, agentID string) error {
	i.lock.Lock()
	defer i.lock.Unlock()

	set, ok := i.members[zoneID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownZone, zoneID)
	}
	if _, ok := set[agentID]; !ok {
		return fmt.Errorf("%w: %s is not in zone %s", ErrUnknownEntity, agentID, zoneID)
	}
	delete(set, agentID)
	i.generation++
	return nil
}

// IsMember reports whether agentID holds membership of zoneID.
func (i *Index) IsMember(zoneID, agentID string) bool {
	i.lock.RLock()
	defer i.lock.RUnlock()

	_, ok := i.members[zoneID][agentID]
	return ok
}

// Occupants returns the member ids of a zone, sorted.
func (i *Index) Occupants(zoneID string) ([]string, error) {
	occ, err := i.Occupancy(zoneID)
	return occ.Occupants, err
}

// Occupancy reports the zone's membership.
func (i *Index) Occupancy(zoneID string) (ZoneOccupancy, error) {
	i.lock.RLock()
	defer i.lock.RUnlock()

	z, ok := i.zones[zoneID]
	if !ok {
		return ZoneOccupancy{}, fmt.Errorf("%w: %s", ErrUnknownZone, zoneID)
	}
	set := i.members[zoneID]
	return ZoneOccupancy{
		ZoneID:    zoneID,
		Capacity:  z.Capacity,
		Occupancy: len(set),
		Occupants: slices.Sorted(maps.Keys(set)),
	}, nil
}

// Snapshot captures the given entities and all zone memberships so that a
// later Restore can undo mutations to them.
type Snapshot struct {
	generation uint64
	entities   map[string]*Entity // nil value: absent at snapshot time
	members    map[string]map[string]struct{}
}

// Generation returns the index generation the snapshot was taken at.
func (s *Snapshot) Generation() uint64 {
	return s.generation
}

// Snapshot captures the state of ids.
func (i *Index) Snapshot(ids ...string) *Snapshot {
	i.lock.RLock()
	defer i.lock.RUnlock()

	s := &Snapshot{
		generation: i.generation,
		entities:   make(map[string]*Entity, len(ids)),
		members:    make(map[string]map[string]struct{}, len(i.members)),
	}
	for _, id := range ids {
		if e, ok := i.entities[id]; ok {
			s.entities[id] = e.clone()
		} else {
			s.entities[id] = nil
		}
	}
	for zoneID, set := range i.members {
		s.members[zoneID] = maps.Clone(set)
	}
	return s
}

// Restore returns the captured entities and memberships to their snapshot
// state. Zones created after the snapshot keep an empty membership.
func (i *Index) Restore(s *Snapshot) error {
	i.lock.Lock()
	defer i.lock.Unlock()

	for id, e := range s.entities {
		if _, ok := i.entities[id]; ok {
			i.grid.remove(id)
		}
		if e == nil {
			if _, ok := i.entities[id]; ok {
				i.drop(id)
			}
			continue
		}
		c := e.clone()
		i.entities[id] = c
		i.grid.insert(id, c.Bounds)
		i.touch(id)
	}
	for zoneID := range i.members {
		if set, ok := s.members[zoneID]; ok {
			i.members[zoneID] = maps.Clone(set)
		} else {
			i.members[zoneID] = make(map[string]struct{})
		}
	}
	i.generation++
	i.log.Debug("restored snapshot",
		log.Uint64("snapshotGeneration", s.generation),
		log.Int("entities", len(s.entities)),
	)
	return nil
}

// MaintenanceReport summarizes one Maintain pass.
type MaintenanceReport struct {
	Rebuilt bool `json:"rebuilt"`
	Pruned  int  `json:"pruned"`
}

// Maintain rebuilds the octree when the scene is dense or has churned and
// prunes movement history older than the retention window.
func (i *Index) Maintain() MaintenanceReport {
	var report MaintenanceReport
	report.Rebuilt = i.maybeRebuild()
	report.Pruned = i.PruneHistory(i.clock.Time().Add(-i.cfg.HistoryRetention))
	return report
}

func (i *Index) maybeRebuild() bool {
	i.lock.RLock()
	count := len(i.entities)
	churned := i.churn >= i.cfg.ChurnThreshold
	needed := churned || (i.tree == nil && count >= i.cfg.OctreeThreshold)
	if !needed {
		i.lock.RUnlock()
		return false
	}
	gen := i.generation
	items := make([]octItem, 0, count)
	for id, e := range i.entities {
		items = append(items, octItem{id: id, box: e.Bounds})
	}
	i.lock.RUnlock()

	tree := buildOctree(i.cfg.Workspace, items, i.cfg.OctreeMaxDepth, i.cfg.OctreeLeafCapacity, gen)

	i.lock.Lock()
	defer i.lock.Unlock()
	if i.generation != gen {
		i.log.Debug("discarded octree rebuild",
			log.Uint64("builtAt", gen),
			log.Uint64("generation", i.generation),
		)
		return false
	}
	i.tree = tree
	clear(i.dirty)
	i.churn = 0
	i.rebuilds.Add(1)
	i.log.Debug("rebuilt octree",
		log.Int("entities", count),
		log.Uint64("generation", gen),
	)
	return true
}

// History returns movements recorded at or after since.
func (i *Index) History(since time.Time) []Movement {
	i.lock.RLock()
	defer i.lock.RUnlock()
	return i.history.since(since)
}

// PruneHistory drops movements older than before.
func (i *Index) PruneHistory(before time.Time) int {
	i.lock.Lock()
	defer i.lock.Unlock()
	return i.history.prune(before)
}

// Hotspots reports cells with above-normal movement within window.
func (i *Index) Hotspots(window time.Duration) []Hotspot {
	i.lock.RLock()
	defer i.lock.RUnlock()
	return i.history.hotspots(i.clock.Time().Add(-window), i.cfg.SpatialResolution)
}

// Stats describes the index.
type Stats struct {
	Entities       int            `json:"entities"`
	ByKind         map[string]int `json:"byKind"`
	Zones          int            `json:"zones"`
	OccupiedCells  int            `json:"occupiedCells"`
	MeanCellLoad   float64        `json:"meanCellLoad"`
	MaxCellLoad    int            `json:"maxCellLoad"`
	Density        float64        `json:"density"`
	OctreeActive   bool           `json:"octreeActive"`
	Rebuilds       uint64         `json:"rebuilds"`
	StaleFallbacks uint64         `json:"staleFallbacks"`
	HistorySize    int            `json:"historySize"`
	Generation     uint64         `json:"generation"`
}

// Metrics returns index statistics.
func (i *Index) Metrics() Stats {
	i.lock.RLock()
	defer i.lock.RUnlock()

	s := Stats{
		Entities:       len(i.entities),
		ByKind:         make(map[string]int),
		Zones:          len(i.zones),
		OctreeActive:   i.tree != nil,
		Rebuilds:       i.rebuilds.Load(),
		StaleFallbacks: i.staleFallbacks.Load(),
		HistorySize:    i.history.len(),
		Generation:     i.generation,
	}
	for _, e := range i.entities {
		s.ByKind[e.Kind.String()]++
	}
	s.OccupiedCells, s.MeanCellLoad, s.MaxCellLoad = i.grid.stats()
	if v := i.cfg.Workspace.Volume(); v > 0 {
		s.Density = float64(len(i.entities)) / v
	}
	return s
}

// CheckConsistency verifies every committed entity is valid and inside the
// workspace and that the grid agrees with the entity table. Any violation
// wraps ErrInconsistent.
func (i *Index) CheckConsistency() error {
	i.lock.RLock()
	defer i.lock.RUnlock()

	for id, e := range i.entities {
		if err := e.validate(i.cfg.Workspace); err != nil {
			return fmt.Errorf("%w: %w", ErrInconsistent, err)
		}
		if _, ok := i.grid.byEntity[id]; !ok {
			return fmt.Errorf("%w: %s missing from grid", ErrInconsistent, id)
		}
	}
	if len(i.grid.byEntity) != len(i.entities) {
		return fmt.Errorf("%w: grid holds %d entities, table holds %d", ErrInconsistent, len(i.grid.byEntity), len(i.entities))
	}
	for id, z := range i.zones {
		if !z.Bounds.Valid() {
			return fmt.Errorf("%w: zone %s has invalid boundaries %s", ErrInconsistent, id, z.Bounds)
		}
	}
	return nil
}
