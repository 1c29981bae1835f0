// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package planner finds timed, risk-scored paths through the workspace with
// A* over the index grid.
package planner

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/luxfi/log"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/luxfi/spatial/collision"
	"github.com/luxfi/spatial/config"
	"github.com/luxfi/spatial/geom"
	"github.com/luxfi/spatial/index"
)

// climbWeight is the extra energy per unit of upward travel.
const climbWeight = 0.5

// Planner is safe for concurrent use.
type Planner struct {
	index    *index.Index
	detector *collision.Detector
	budget   int
	speed    float64
	log      log.Logger

	cache       *lru.Cache // nil when disabled
	cacheHits   atomic.Uint64
	cacheMisses atomic.Uint64
}

// New returns a planner over idx. Risk is scored with detector.
func New(idx *index.Index, detector *collision.Detector, cfg config.Config, logger log.Logger) (*Planner, error) {
	p := &Planner{
		index:    idx,
		detector: detector,
		budget:   cfg.MaxPathExpansions,
		speed:    cfg.DefaultAgentSpeed,
		log:      logger,
	}
	if cfg.PathCacheSize > 0 {
		cache, err := lru.New(cfg.PathCacheSize)
		if err != nil {
			return nil, fmt.Errorf("couldn't create path cache: %w", err)
		}
		p.cache = cache
	}
	return p, nil
}

// Plan returns the cheapest path for req. Urgent requests that fail are
// retried once with soft constraints dropped and twice the budget.
func (p *Planner) Plan(req Request) (Path, error) {
	if err := req.validate(p.index.Workspace()); err != nil {
		return Path{}, err
	}

	key, cacheable := p.cacheKey(req)
	if cacheable {
		if v, ok := p.cache.Get(key); ok {
			p.cacheHits.Add(1)
			return v.(Path).clone(), nil
		}
		p.cacheMisses.Add(1)
	}

	path, err := p.plan(req, p.budget)
	if err != nil && errors.Is(err, ErrPathNotFound) && req.Priority == PriorityUrgent {
		p.log.Debug("retrying urgent path with relaxed constraints",
			log.String("entityID", req.EntityID),
			log.Err(err),
		)
		path, err = p.plan(req.relaxed(), 2*p.budget)
		path.Relaxed = err == nil
	}
	if err != nil {
		return Path{}, err
	}
	if cacheable {
		p.cache.Add(key, path.clone())
	}
	return path, nil
}

func (p *Planner) plan(req Request, budget int) (Path, error) {
	e, err := p.env(req)
	if err != nil {
		return Path{}, err
	}
	speed := req.MaxSpeed
	if speed == 0 {
		speed = p.speed
	}

	path, err := p.route(e, req, budget, speed)
	if err != nil {
		return Path{}, err
	}
	if tw, ok := req.timeWindow(); ok {
		if tw.Latest > 0 && path.EstimatedTime > tw.Latest {
			return Path{}, fmt.Errorf("%w: arrival after %v exceeds time window end %v", ErrPathNotFound, path.EstimatedTime, tw.Latest)
		}
		if path.EstimatedTime < tw.Earliest {
			path.Hold = tw.Earliest - path.EstimatedTime
			path.EstimatedTime = tw.Earliest
		}
	}

	for n := 0; n < req.Alternatives; n++ {
		for _, w := range path.Waypoints[1 : len(path.Waypoints)-1] {
			e.penalty[index.CellOf(w, e.res)] += reusePenalty
		}
		for _, alt := range path.AlternativePaths {
			for _, w := range alt.Waypoints {
				e.penalty[index.CellOf(w, e.res)] += reusePenalty
			}
		}
		alt, err := p.route(e, req, budget, speed)
		if err != nil {
			break
		}
		if slices.Equal(alt.Waypoints, path.Waypoints) {
			break
		}
		path.AlternativePaths = append(path.AlternativePaths, alt)
	}
	return path, nil
}

// route searches each leg between start, forced waypoints and goal and
// scores the joined result.
func (p *Planner) route(e *env, req Request, budget int, speed float64) (Path, error) {
	stops := append([]r3.Vec{req.Start}, req.waypoints()...)
	stops = append(stops, req.Goal)

	var (
		pts        = []r3.Vec{req.Start}
		expansions int
	)
	for n := 0; n+1 < len(stops); n++ {
		cells, used, err := e.search(stops[n], stops[n+1], budget-expansions)
		expansions += used
		if err != nil {
			return Path{Expansions: expansions}, err
		}
		for j := 1; j+1 < len(cells); j++ {
			pts = append(pts, e.center(cells[j]))
		}
		pts = append(pts, stops[n+1])
	}
	path := p.score(e, pts, speed, req.EntityID)
	path.Expansions = expansions
	return path, nil
}

func (p *Planner) score(e *env, pts []r3.Vec, maxSpeed float64, self string) Path {
	path := Path{Waypoints: pts}
	var (
		elapsed time.Duration
		samples = []collision.Sample{{Box: geom.BoxAround(pts[0], e.size)}}
	)
	for n := 1; n < len(pts); n++ {
		seg := geom.Distance(pts[n-1], pts[n])
		mid := geom.Lerp(pts[n-1], pts[n], 0.5)
		path.Distance += seg
		path.EnergyCost += seg*e.cost(mid) + climbWeight*math.Max(0, pts[n].Z-pts[n-1].Z)
		speed := e.speed(mid, maxSpeed)
		elapsed += time.Duration(seg / speed * float64(time.Second))
		samples = append(samples, collision.Sample{
			Box:    geom.BoxAround(pts[n], e.size),
			Offset: elapsed,
		})
	}
	path.EstimatedTime = elapsed
	if p.detector != nil {
		path.RiskLevel = p.detector.Risk(samples, self)
	}
	return path
}

func (p *Planner) env(req Request) (*env, error) {
	res := p.index.Resolution()
	e := &env{
		idx:       p.index,
		res:       res,
		workspace: p.index.Workspace(),
		size:      req.Size,
		self:      req.EntityID,
		zones:     p.index.Zones(),
		blocked:   make(map[index.Cell]bool),
		penalty:   make(map[index.Cell]float64),
	}
	if e.size == (r3.Vec{}) {
		e.size = r3.Vec{X: res, Y: res, Z: res}
		if ent, ok := p.index.Get(req.EntityID); ok {
			e.size = ent.Size()
		}
	}

	for _, c := range req.Constraints {
		switch c.Type {
		case AvoidZone:
			z, ok := p.index.Zone(c.Target)
			if !ok {
				return nil, fmt.Errorf("%w: avoid_zone target %s: %w", ErrInvalidRequest, c.Target, index.ErrUnknownZone)
			}
			e.blockers = append(e.blockers, z.Bounds.Expand(c.Value))
		case AvoidEntity:
			ent, ok := p.index.Get(c.Target)
			if !ok {
				return nil, fmt.Errorf("%w: avoid_entity target %s: %w", ErrInvalidRequest, c.Target, index.ErrUnknownEntity)
			}
			e.blockers = append(e.blockers, ent.Bounds.Expand(c.Value))
		case SpeedLimit:
			e.limits = append(e.limits, speedCap{region: c.Region, limit: c.Value})
		}
	}
	return e, nil
}

// FindNearbyFreeLocation returns the point nearest target, within
// searchRadius, where a box of size fits the workspace and intersects
// neither a solid entity outside exclude nor a reserved box. Target itself
// is tried first, then cell centres by increasing Chebyshev ring around
// the target's cell.
func (p *Planner) FindNearbyFreeLocation(target, size r3.Vec, searchRadius float64, exclude []string, reserved []geom.Box) (r3.Vec, error) {
	if !geom.Finite(target) || searchRadius < 0 {
		return r3.Vec{}, fmt.Errorf("%w: bad search target", ErrInvalidRequest)
	}
	res := p.index.Resolution()
	workspace := p.index.Workspace()

	free := func(at r3.Vec) bool {
		box := geom.BoxAround(at, size)
		if !workspace.ContainsBox(box) {
			return false
		}
		for _, r := range reserved {
			if geom.Intersects(box, r) {
				return false
			}
		}
		for _, other := range p.index.EntitiesInBounds(box) {
			if other.Kind.Solid() && !slices.Contains(exclude, other.ID) && geom.Intersects(box, other.Bounds) {
				return false
			}
		}
		return true
	}
	if free(target) {
		return target, nil
	}

	origin := index.CellOf(target, res)
	rings := int(math.Ceil(searchRadius/res)) + 1
	for k := 0; k <= rings; k++ {
		var ring []index.Cell
		for dx := -k; dx <= k; dx++ {
			for dy := -k; dy <= k; dy++ {
				for dz := -k; dz <= k; dz++ {
					if max(abs(dx), abs(dy), abs(dz)) != k {
						continue
					}
					ring = append(ring, index.Cell{X: origin.X + dx, Y: origin.Y + dy, Z: origin.Z + dz})
				}
			}
		}
		slices.SortFunc(ring, func(a, b index.Cell) int {
			da := geom.Distance(index.CellCenter(a, res), target)
			db := geom.Distance(index.CellCenter(b, res), target)
			switch {
			case da < db:
				return -1
			case da > db:
				return 1
			case a.Less(b):
				return -1
			case b.Less(a):
				return 1
			}
			return 0
		})
		for _, c := range ring {
			at := index.CellCenter(c, res)
			if geom.Distance(at, target) > searchRadius {
				continue
			}
			if free(at) {
				return at, nil
			}
		}
	}
	return r3.Vec{}, fmt.Errorf("%w: %v radius %v", ErrNoFreeLocation, target, searchRadius)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// CacheStats returns path cache hits and misses.
func (p *Planner) CacheStats() (hits, misses uint64) {
	return p.cacheHits.Load(), p.cacheMisses.Load()
}
