// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package index

import (
	"sort"
	"time"

	"github.com/google/btree"
	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"
)

const historyDegree = 16

// Movement records one committed position change.
type Movement struct {
	EntityID string    `json:"entityId"`
	From     r3.Vec    `json:"from"`
	To       r3.Vec    `json:"to"`
	At       time.Time `json:"at"`
	Seq      uint64    `json:"seq"`
}

func movementLess(a, b Movement) bool {
	if !a.At.Equal(b.At) {
		return a.At.Before(b.At)
	}
	return a.Seq < b.Seq
}

// Hotspot is a cell that received markedly more movements than average.
type Hotspot struct {
	Cell      Cell    `json:"cell"`
	Center    r3.Vec  `json:"center"`
	Movements int     `json:"movements"`
	Score     float64 `json:"score"`
}

// history is a time-ordered movement log. Not safe for concurrent use.
type history struct {
	tree *btree.BTreeG[Movement]
	seq  uint64
}

func newHistory() *history {
	return &history{tree: btree.NewG(historyDegree, movementLess)}
}

func (h *history) record(entityID string, from, to r3.Vec, at time.Time) {
	h.seq++
	h.tree.ReplaceOrInsert(Movement{EntityID: entityID, From: from, To: to, At: at, Seq: h.seq})
}

// prune drops movements older than cutoff and returns how many were removed.
func (h *history) prune(cutoff time.Time) int {
	n := 0
	for {
		m, ok := h.tree.Min()
		if !ok || !m.At.Before(cutoff) {
			return n
		}
		h.tree.DeleteMin()
		n++
	}
}

// since returns movements at or after t in time order.
func (h *history) since(t time.Time) []Movement {
	var out []Movement
	h.tree.AscendGreaterOrEqual(Movement{At: t}, func(m Movement) bool {
		out = append(out, m)
		return true
	})
	return out
}

func (h *history) len() int {
	return h.tree.Len()
}

// hotspots buckets destination cells of movements since t and reports the
// cells whose count exceeds mean plus one standard deviation. A cell needs
// at least two movements to qualify.
func (h *history) hotspots(t time.Time, resolution float64) []Hotspot {
	counts := make(map[Cell]int)
	for _, m := range h.since(t) {
		counts[CellOf(m.To, resolution)]++
	}
	if len(counts) == 0 {
		return nil
	}
	xs := make([]float64, 0, len(counts))
	for _, n := range counts {
		xs = append(xs, float64(n))
	}
	mean, std := stat.MeanStdDev(xs, nil)
	if len(xs) == 1 {
		std = 0
	}
	var out []Hotspot
	for c, n := range counts {
		if n < 2 || float64(n) <= mean+std {
			continue
		}
		score := 0.0
		if std > 0 {
			score = (float64(n) - mean) / std
		}
		out = append(out, Hotspot{
			Cell:      c,
			Center:    CellCenter(c, resolution),
			Movements: n,
			Score:     score,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Movements != out[j].Movements {
			return out[i].Movements > out[j].Movements
		}
		return out[i].Cell.Less(out[j].Cell)
	})
	return out
}
