// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package collision tests entity bounding boxes for overlap, scores the
// overlap and extrapolates movement vectors to predict future collisions.
package collision

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/luxfi/log"

	"github.com/luxfi/spatial/config"
	"github.com/luxfi/spatial/geom"
	"github.com/luxfi/spatial/index"
	"github.com/luxfi/spatial/utils/timer/mockable"
)

const historyDegree = 16

// Info describes one current or predicted collision between A and B, with
// A < B.
type Info struct {
	A        string     `json:"a"`
	B        string     `json:"b"`
	KindA    index.Kind `json:"kindA"`
	KindB    index.Kind `json:"kindB"`
	Volume   float64    `json:"intersectionVolume"`
	Ratio    float64    `json:"ratio"`
	Severity Severity   `json:"severity"`
	Region   geom.Box   `json:"region"`
	At       time.Time  `json:"at"`
	// Predicted is set for collisions extrapolated from movement vectors;
	// In is the offset from detection time.
	Predicted bool          `json:"predicted"`
	In        time.Duration `json:"in"`

	seq uint64
}

// Involves reports whether id is one side of the collision.
func (i Info) Involves(id string) bool {
	return i.A == id || i.B == id
}

// CheckIntersection reports whether two entities' boxes overlap with
// positive extent on every axis. Symmetric.
func CheckIntersection(a, b index.Entity) bool {
	return geom.Intersects(a.Bounds, b.Bounds)
}

// IntersectionVolume returns the overlap volume of two entities' boxes.
func IntersectionVolume(a, b index.Entity) float64 {
	return geom.IntersectionVolume(a.Bounds, b.Bounds)
}

// Assess scores the overlap of boxes ba and bb belonging to a and b. The
// pair is normalized so that A < B.
func Assess(a, b index.Entity, ba, bb geom.Box) (Info, bool) {
	region, ok := geom.Intersection(ba, bb)
	if !ok {
		return Info{}, false
	}
	if b.ID < a.ID {
		a, b = b, a
	}
	volume := region.Volume()
	smaller := math.Min(ba.Volume(), bb.Volume())
	ratio := 1.0
	if smaller > 0 {
		ratio = math.Min(1, volume/smaller)
	}
	return Info{
		A:        a.ID,
		B:        b.ID,
		KindA:    a.Kind,
		KindB:    b.Kind,
		Volume:   volume,
		Ratio:    ratio,
		Severity: SeverityOf(ratio, a.Kind == index.KindAgent && b.Kind == index.KindAgent),
		Region:   region,
	}, true
}

// Detector finds collisions among the entities of an index.
type Detector struct {
	index  *index.Index
	window time.Duration
	step   time.Duration
	clock  mockable.Source
	log    log.Logger

	lock    sync.Mutex
	history *btree.BTreeG[Info]
	seq     uint64
}

func infoLess(a, b Info) bool {
	if !a.At.Equal(b.At) {
		return a.At.Before(b.At)
	}
	return a.seq < b.seq
}

// New returns a detector over idx.
func New(idx *index.Index, cfg config.Config, clock mockable.Source, logger log.Logger) *Detector {
	if clock == nil {
		clock = &mockable.Clock{}
	}
	return &Detector{
		index:   idx,
		window:  cfg.PredictionWindow,
		step:    cfg.PredictionStep,
		clock:   clock,
		log:     logger,
		history: btree.NewG(historyDegree, infoLess),
	}
}

// DetectCurrent returns every overlapping pair of solid entities, ordered
// by (A, B). Detections are appended to the collision history.
func (d *Detector) DetectCurrent() []Info {
	now := d.clock.Time()
	var out []Info
	for _, e := range d.index.All() {
		if !e.Kind.Solid() {
			continue
		}
		for _, other := range d.index.EntitiesInBounds(e.Bounds) {
			if other.ID <= e.ID || !other.Kind.Solid() {
				continue
			}
			info, ok := Assess(e, other, e.Bounds, other.Bounds)
			if !ok {
				continue
			}
			info.At = now
			out = append(out, info)
		}
	}
	sortInfos(out)

	d.lock.Lock()
	for _, info := range out {
		d.seq++
		info.seq = d.seq
		d.history.ReplaceOrInsert(info)
	}
	d.lock.Unlock()
	return out
}

// PredictCollisions extrapolates moving entities along their movement
// vectors at PredictionStep ticks up to window. Pairs overlapping now are
// left to DetectCurrent. Each pair is reported once, at its earliest tick.
// A non-positive window selects the configured prediction window.
func (d *Detector) PredictCollisions(window time.Duration) []Info {
	if window <= 0 {
		window = d.window
	}
	now := d.clock.Time()

	var solids, moving []index.Entity
	for _, e := range d.index.All() {
		if !e.Kind.Solid() {
			continue
		}
		solids = append(solids, e)
		if e.Moving() {
			moving = append(moving, e)
		}
	}
	if len(moving) == 0 {
		return nil
	}

	type pair struct{ a, b string }
	reported := make(map[pair]struct{})
	key := func(a, b string) pair {
		if b < a {
			a, b = b, a
		}
		return pair{a, b}
	}

	// A pair qualifies only if at least one side moves and the two are
	// clear of each other at t=0.
	swept := make(map[string]geom.Box, len(moving))
	for _, m := range moving {
		swept[m.ID] = m.Bounds.Union(m.Projected(window))
	}
	candidates := make(map[string][]index.Entity, len(moving))
	for _, m := range moving {
		for _, other := range solids {
			if other.ID == m.ID {
				continue
			}
			if other.Moving() {
				if other.ID < m.ID {
					continue
				}
				if !geom.Intersects(swept[m.ID], swept[other.ID]) {
					continue
				}
			} else if !geom.Intersects(swept[m.ID], other.Bounds) {
				continue
			}
			if CheckIntersection(m, other) {
				continue
			}
			candidates[m.ID] = append(candidates[m.ID], other)
		}
	}

	var out []Info
	for t := d.step; t <= window; t += d.step {
		for _, m := range moving {
			mb := m.Projected(t)
			for _, other := range candidates[m.ID] {
				k := key(m.ID, other.ID)
				if _, ok := reported[k]; ok {
					continue
				}
				ob := other.Projected(t)
				info, ok := Assess(m, other, mb, ob)
				if !ok {
					continue
				}
				reported[k] = struct{}{}
				info.Predicted = true
				info.In = t
				info.At = now.Add(t)
				out = append(out, info)
			}
		}
	}
	sortInfos(out)
	if len(out) > 0 {
		d.log.Debug("predicted collisions",
			log.Int("count", len(out)),
			log.Duration("window", window),
		)
	}
	return out
}

// Sample is a box occupied at an offset from now, such as a waypoint on a
// planned path.
type Sample struct {
	Box    geom.Box
	Offset time.Duration
}

// Risk returns the fraction of samples whose box intersects a solid entity
// projected to the sample's offset. Entities in exclude are ignored.
func (d *Detector) Risk(samples []Sample, exclude ...string) float64 {
	if len(samples) == 0 {
		return 0
	}
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	var moving []index.Entity
	for _, e := range d.index.All() {
		if _, ok := skip[e.ID]; !ok && e.Kind.Solid() && e.Moving() {
			moving = append(moving, e)
		}
	}

	hits := 0
	for _, s := range samples {
		if d.hit(s, moving, skip) {
			hits++
		}
	}
	return float64(hits) / float64(len(samples))
}

func (d *Detector) hit(s Sample, moving []index.Entity, skip map[string]struct{}) bool {
	for _, e := range d.index.EntitiesInBounds(s.Box) {
		if _, ok := skip[e.ID]; ok || !e.Kind.Solid() || e.Moving() {
			continue
		}
		if geom.Intersects(s.Box, e.Bounds) {
			return true
		}
	}
	for _, e := range moving {
		if geom.Intersects(s.Box, e.Projected(s.Offset)) {
			return true
		}
	}
	return false
}

// History returns recorded detections at or after since.
func (d *Detector) History(since time.Time) []Info {
	d.lock.Lock()
	defer d.lock.Unlock()

	var out []Info
	d.history.AscendGreaterOrEqual(Info{At: since}, func(i Info) bool {
		out = append(out, i)
		return true
	})
	return out
}

// PruneHistory drops detections older than before.
func (d *Detector) PruneHistory(before time.Time) int {
	d.lock.Lock()
	defer d.lock.Unlock()

	n := 0
	for {
		min, ok := d.history.Min()
		if !ok || !min.At.Before(before) {
			return n
		}
		d.history.DeleteMin()
		n++
	}
}

// HistoryLen returns the number of recorded detections.
func (d *Detector) HistoryLen() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.history.Len()
}

func sortInfos(infos []Info) {
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].In != infos[j].In {
			return infos[i].In < infos[j].In
		}
		if infos[i].A != infos[j].A {
			return infos[i].A < infos[j].A
		}
		return infos[i].B < infos[j].B
	})
}
