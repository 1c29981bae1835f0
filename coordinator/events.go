// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package coordinator

import (
	"sync"
	"time"

	"github.com/luxfi/ids"

	"github.com/luxfi/spatial/conflict"
	"github.com/luxfi/spatial/consensus"
)

// EventKind names a coordinator notification.
type EventKind string

const (
	AgentJoined       EventKind = "agent_joined"
	AgentLeft         EventKind = "agent_left"
	ProposalCreated   EventKind = "proposal_created"
	ConsensusReached  EventKind = "consensus_result"
	ConflictDetected  EventKind = "conflict_detected"
	ConflictResolved  EventKind = "conflict_resolved"
	CoordinatorHalted EventKind = "halted"
)

// Event is delivered to subscribers. Only the fields relevant to Kind are
// set. ConflictResolved is published once per applied action.
type Event struct {
	Kind       EventKind            `json:"kind"`
	At         time.Time            `json:"at"`
	AgentID    string               `json:"agentId,omitempty"`
	ProposalID ids.ID               `json:"proposalId,omitzero"`
	Result     *consensus.Result    `json:"result,omitempty"`
	Conflict   *conflict.Conflict   `json:"conflict,omitempty"`
	Resolution *conflict.Resolution `json:"resolution,omitempty"`
	Action     *conflict.Action     `json:"action,omitempty"`
	Error      string               `json:"error,omitempty"`
}

// hub fans events out to subscribers without ever blocking the publisher.
// A subscriber whose buffer is full misses the event.
type hub struct {
	buffer int

	lock    sync.Mutex
	next    uint64
	subs    map[uint64]chan Event
	dropped uint64
}

func newHub(buffer int) *hub {
	return &hub{
		buffer: buffer,
		subs:   make(map[uint64]chan Event),
	}
}

func (h *hub) subscribe() (<-chan Event, func()) {
	h.lock.Lock()
	defer h.lock.Unlock()

	id := h.next
	h.next++
	ch := make(chan Event, h.buffer)
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.lock.Lock()
			defer h.lock.Unlock()
			delete(h.subs, id)
			close(ch)
		})
	}
}

func (h *hub) publish(e Event) {
	h.lock.Lock()
	defer h.lock.Unlock()

	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
			h.dropped++
		}
	}
}

func (h *hub) stats() (subscribers int, dropped uint64) {
	h.lock.Lock()
	defer h.lock.Unlock()
	return len(h.subs), h.dropped
}
