// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package coordinator

import (
	"context"
	"time"

	"github.com/luxfi/log"
)

// MaintenanceReport summarizes one Maintain pass.
type MaintenanceReport struct {
	OctreeRebuilt      bool `json:"octreeRebuilt"`
	MovementsPruned    int  `json:"movementsPruned"`
	ProposalsTimedOut  int  `json:"proposalsTimedOut"`
	AllocationsExpired int  `json:"allocationsExpired"`
	CollisionsPruned   int  `json:"collisionsPruned"`
	ResultsPruned      int  `json:"resultsPruned"`
	PathsCompleted     int  `json:"pathsCompleted"`
}

// Maintain runs one housekeeping pass on the writer timeline: index
// rebuild and history pruning, proposal timeouts, allocation expiry and
// retention of collision history, audit results and committed paths.
func (c *Coordinator) Maintain() (MaintenanceReport, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if err := c.mutable(); err != nil {
		return MaintenanceReport{}, err
	}

	var (
		now    = c.clock.Time()
		cutoff = now.Add(-c.cfg.HistoryRetention)
		ir     = c.index.Maintain()
		report = MaintenanceReport{
			OctreeRebuilt:   ir.Rebuilt,
			MovementsPruned: ir.Pruned,
		}
	)
	report.ProposalsTimedOut = len(c.engine.Expire(now))
	report.AllocationsExpired = len(c.resources.Expire(now))
	report.CollisionsPruned = c.collisions.PruneHistory(cutoff)
	report.ResultsPruned = c.engine.PruneAudit(cutoff)
	for id, p := range c.paths {
		if !now.Before(p.Start.Add(p.Path.Hold + p.Path.EstimatedTime)) {
			delete(c.paths, id)
			report.PathsCompleted++
		}
	}

	c.log.Debug("maintenance complete",
		log.Bool("octreeRebuilt", report.OctreeRebuilt),
		log.Int("movementsPruned", report.MovementsPruned),
		log.Int("proposalsTimedOut", report.ProposalsTimedOut),
		log.Int("allocationsExpired", report.AllocationsExpired),
		log.Int("resultsPruned", report.ResultsPruned),
	)
	return report, c.verify()
}

// Run calls Maintain every configured maintenance interval until ctx is
// done. It returns nil when ctx is cancelled and the halt error if the
// coordinator halts.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := c.Maintain(); err != nil {
				return err
			}
		}
	}
}
