// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package consensus

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/luxfi/ids"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/luxfi/spatial/geom"
	"github.com/luxfi/spatial/resource"
)

var (
	ErrInvalidConfig      = errors.New("invalid consensus config")
	ErrInvalidProposal    = errors.New("invalid proposal")
	ErrDuplicateProposal  = errors.New("proposal already exists")
	ErrUnknownProposal    = errors.New("unknown proposal")
	ErrInsufficientAgents = errors.New("electorate violates n >= 3f+1")
	ErrInvalidVote        = errors.New("invalid vote")
	ErrNotVoting          = errors.New("proposal is not accepting votes")
	ErrDuplicateVote      = errors.New("duplicate vote")
	ErrUnknownVoter       = errors.New("voter not in electorate")
	ErrInvalidSignature   = errors.New("invalid vote signature")
	ErrQuorumTimeout      = errors.New("quorum not reached before timeout")
	ErrExecutionFailure   = errors.New("implementation plan failed")
)

// ProposalType names what a proposal asks to change.
type ProposalType string

const (
	LocationChangeType       ProposalType = "location_change"
	ResourceAllocationType   ProposalType = "resource_allocation"
	ZoneAccessType           ProposalType = "zone_access"
	CollaborationRequestType ProposalType = "collaboration_request"
)

// Status is the lifecycle state of a proposal.
type Status uint8

const (
	// Created proposals are waiting for their locks.
	Created Status = iota
	Voting
	Approved
	Rejected
	TimedOut
)

func (s Status) String() string {
	switch s {
	case Created:
		return "created"
	case Voting:
		return "voting"
	case Approved:
		return "approved"
	case Rejected:
		return "rejected"
	case TimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s >= Approved
}

// Decision is a voter's answer to a proposal.
type Decision string

const (
	Accept      Decision = "accept"
	Reject      Decision = "reject"
	Abstain     Decision = "abstain"
	Conditional Decision = "conditional"
)

func (d Decision) valid() bool {
	switch d {
	case Accept, Reject, Abstain, Conditional:
		return true
	}
	return false
}

// ZoneAction is the direction of a zone access proposal.
type ZoneAction string

const (
	Enter ZoneAction = "enter"
	Exit  ZoneAction = "exit"
)

// LocationChange moves an entity to Target.
type LocationChange struct {
	EntityID string `json:"entityId"`
	Target   r3.Vec `json:"target"`
	Urgent   bool   `json:"urgent,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func (l LocationChange) validate() error {
	switch {
	case l.EntityID == "":
		return fmt.Errorf("%w: location change without entity", ErrInvalidProposal)
	case !geom.Finite(l.Target):
		return fmt.Errorf("%w: target %v", ErrInvalidProposal, l.Target)
	}
	return nil
}

// ZoneAccess asks for AgentID to enter or leave ZoneID.
type ZoneAccess struct {
	ZoneID  string     `json:"zoneId"`
	AgentID string     `json:"agentId"`
	Action  ZoneAction `json:"action"`
}

func (z ZoneAccess) validate() error {
	switch {
	case z.ZoneID == "":
		return fmt.Errorf("%w: zone access without zone", ErrInvalidProposal)
	case z.AgentID == "":
		return fmt.Errorf("%w: zone access without agent", ErrInvalidProposal)
	case z.Action != Enter && z.Action != Exit:
		return fmt.Errorf("%w: zone action %q", ErrInvalidProposal, z.Action)
	}
	return nil
}

// Collaboration gathers Participants at Location for Duration.
type Collaboration struct {
	Participants []string      `json:"participants"`
	Task         string        `json:"task"`
	Location     r3.Vec        `json:"location"`
	Duration     time.Duration `json:"duration"`
}

func (c Collaboration) validate() error {
	if len(c.Participants) == 0 {
		return fmt.Errorf("%w: collaboration without participants", ErrInvalidProposal)
	}
	if c.Task == "" {
		return fmt.Errorf("%w: collaboration without task", ErrInvalidProposal)
	}
	if !geom.Finite(c.Location) || c.Duration < 0 {
		return fmt.Errorf("%w: collaboration location %v duration %v", ErrInvalidProposal, c.Location, c.Duration)
	}
	seen := make(map[string]struct{}, len(c.Participants))
	for _, p := range c.Participants {
		if p == "" {
			return fmt.Errorf("%w: empty participant", ErrInvalidProposal)
		}
		if _, ok := seen[p]; ok {
			return fmt.Errorf("%w: participant %s listed twice", ErrInvalidProposal, p)
		}
		seen[p] = struct{}{}
	}
	return nil
}

// Proposal is a pending request for a spatial state change. Exactly one of
// the payload fields is set, matching Type.
type Proposal struct {
	ID        ids.ID        `json:"id"`
	Type      ProposalType  `json:"type"`
	Proposer  string        `json:"proposer"`
	CreatedAt time.Time     `json:"createdAt"`
	TTL       time.Duration `json:"ttl"`
	Deadline  time.Time     `json:"deadline"`
	Status    Status        `json:"status"`

	Location      *LocationChange   `json:"location,omitempty"`
	Resource      *resource.Request `json:"resource,omitempty"`
	Zone          *ZoneAccess       `json:"zone,omitempty"`
	Collaboration *Collaboration    `json:"collaboration,omitempty"`

	// Electorate is the directory size when the proposal was created.
	Electorate int `json:"electorate"`
	// Priority and Trust are the proposer's standing at creation.
	Priority int     `json:"priority"`
	Trust    float64 `json:"trust"`
	// Keys are the entity, resource and zone locks the proposal holds
	// while voting.
	Keys []string `json:"keys"`

	voters     map[string]struct{}
	seq        uint64
	superseded bool
}

func (p *Proposal) payload() any {
	switch p.Type {
	case LocationChangeType:
		return p.Location
	case ResourceAllocationType:
		return p.Resource
	case ZoneAccessType:
		return p.Zone
	default:
		return p.Collaboration
	}
}

func (p *Proposal) computeID() (ids.ID, error) {
	body, err := json.Marshal(p.payload())
	if err != nil {
		return ids.Empty, fmt.Errorf("%w: %v", ErrInvalidProposal, err)
	}
	b := make([]byte, 0, len(p.Proposer)+len(p.Type)+len(body)+10)
	b = append(b, p.Proposer...)
	b = append(b, '|')
	b = append(b, p.Type...)
	b = append(b, '|')
	b = append(b, body...)
	b = append(b, '|')
	b = binary.BigEndian.AppendUint64(b, uint64(p.CreatedAt.UnixNano()))
	return ids.ID(sha256.Sum256(b)), nil
}

// Entities lists the entity ids the proposal touches.
func (p Proposal) Entities() []string {
	switch p.Type {
	case LocationChangeType:
		return []string{p.Location.EntityID}
	case ResourceAllocationType:
		return []string{p.Resource.AgentID}
	case ZoneAccessType:
		return []string{p.Zone.AgentID}
	default:
		return append([]string(nil), p.Collaboration.Participants...)
	}
}

// EntityKey, ResourceKey and ZoneKey name the locks a proposal holds.
func EntityKey(id string) string    { return "entity:" + id }
func ResourceKey(typ string) string { return "resource:" + typ }
func ZoneKey(id string) string      { return "zone:" + id }

func lockKeys(p *Proposal) []string {
	switch p.Type {
	case LocationChangeType:
		return []string{EntityKey(p.Location.EntityID)}
	case ResourceAllocationType:
		return []string{ResourceKey(p.Resource.ResourceType)}
	case ZoneAccessType:
		return []string{ZoneKey(p.Zone.ZoneID), EntityKey(p.Zone.AgentID)}
	default:
		keys := make([]string, 0, len(p.Collaboration.Participants))
		for _, id := range p.Collaboration.Participants {
			keys = append(keys, EntityKey(id))
		}
		return keys
	}
}

// ConditionKind names a predicate a conditional vote depends on.
type ConditionKind string

const (
	// TargetFree holds when the box of size Value around Point is free.
	TargetFree ConditionKind = "target_free"
	// ZoneHasCapacity holds when zone Subject can admit another occupant.
	ZoneHasCapacity ConditionKind = "zone_has_capacity"
	// ResourceAvailable holds when Value units of Subject are free.
	ResourceAvailable ConditionKind = "resource_available"
	// AgentRegistered holds when Subject is in the directory.
	AgentRegistered ConditionKind = "agent_registered"
)

// Condition is one predicate attached to a conditional vote.
type Condition struct {
	Kind    ConditionKind `json:"kind"`
	Subject string        `json:"subject,omitempty"`
	Value   float64       `json:"value,omitempty"`
	Point   r3.Vec        `json:"point,omitzero"`
}

// Vote is one voter's decision. Votes are append-only.
type Vote struct {
	ProposalID ids.ID      `json:"proposalId"`
	VoterID    string      `json:"voterId"`
	Decision   Decision    `json:"decision"`
	Reasoning  string      `json:"reasoning,omitempty"`
	Conditions []Condition `json:"conditions,omitempty"`
	Signature  []byte      `json:"signature,omitempty"`
	CastAt     time.Time   `json:"castAt"`
}

// VotePayload is the byte string a voter signs.
func VotePayload(proposalID ids.ID, voterID string, decision Decision) []byte {
	b := make([]byte, 0, len(proposalID)+len(voterID)+len(decision)+2)
	b = append(b, proposalID[:]...)
	b = append(b, voterID...)
	b = append(b, 0)
	b = append(b, decision...)
	return b
}

// Tally is the vote count of a proposal at one point in time.
type Tally struct {
	Electorate int `json:"electorate"`
	// Faulty is f, the number of Byzantine voters tolerated.
	Faulty int `json:"faulty"`
	// Threshold is ceil(q*n).
	Threshold int `json:"threshold"`
	// Accept includes conditional votes whose conditions hold.
	Accept int `json:"accept"`
	Reject int `json:"reject"`
	// Abstain includes conditional votes whose conditions do not hold.
	Abstain     int `json:"abstain"`
	Conditional int `json:"conditional"`
	Uncast      int `json:"uncast"`
}

// Cast is the number of recorded votes.
func (t Tally) Cast() int {
	return t.Accept + t.Reject + t.Abstain
}

// FallbackKind names an alternative offered to a rejected proposal.
type FallbackKind string

const (
	FallbackWait        FallbackKind = "wait"
	FallbackReduced     FallbackKind = "reduced_amount"
	FallbackAlternative FallbackKind = "alternative_resource"
	FallbackQueue       FallbackKind = "queue"
	FallbackRelocate    FallbackKind = "alternative_location"
	FallbackRetry       FallbackKind = "retry"
)

// Fallback is a suggestion attached to a rejection.
type Fallback struct {
	Kind         FallbackKind `json:"kind"`
	Description  string       `json:"description"`
	Location     *r3.Vec      `json:"location,omitempty"`
	ResourceType string       `json:"resourceType,omitempty"`
	Amount       float64      `json:"amount,omitempty"`
	AvailableAt  time.Time    `json:"availableAt,omitzero"`
}

// ResourceFallbacks converts allocation fallback options.
func ResourceFallbacks(opts []resource.FallbackOption) []Fallback {
	out := make([]Fallback, 0, len(opts))
	for _, o := range opts {
		out = append(out, Fallback{
			Kind:         FallbackKind(o.Kind),
			Description:  o.Description,
			ResourceType: o.ResourceType,
			Amount:       o.Amount,
			AvailableAt:  o.AvailableAt,
		})
	}
	return out
}

// StepKind names one atomic step of an implementation plan.
type StepKind string

const (
	MoveStep        StepKind = "move"
	AllocateStep    StepKind = "allocate"
	EnterZoneStep   StepKind = "enter_zone"
	ExitZoneStep    StepKind = "exit_zone"
	CollaborateStep StepKind = "collaborate"
)

// Step is one atomic mutation of the world model.
type Step struct {
	Index       int               `json:"index"`
	Kind        StepKind          `json:"kind"`
	EntityID    string            `json:"entityId,omitempty"`
	Position    r3.Vec            `json:"position,omitzero"`
	Resource    *resource.Request `json:"resource,omitempty"`
	ZoneID      string            `json:"zoneId,omitempty"`
	Description string            `json:"description,omitempty"`
}

// Plan is the ordered list of steps that implements an approved proposal.
type Plan struct {
	ProposalID ids.ID `json:"proposalId"`
	Steps      []Step `json:"steps"`
}

// Result is the immutable outcome of a finalized proposal.
type Result struct {
	ProposalID     ids.ID        `json:"proposalId"`
	Type           ProposalType  `json:"type"`
	Outcome        Status        `json:"outcome"`
	Tally          Tally         `json:"tally"`
	QuorumAchieved bool          `json:"quorumAchieved"`
	Plan           *Plan         `json:"plan,omitempty"`
	Reason         string        `json:"reason,omitempty"`
	Fallbacks      []Fallback    `json:"fallbacks,omitempty"`
	Superseded     bool          `json:"superseded,omitempty"`
	FinalizedAt    time.Time     `json:"finalizedAt"`
	Duration       time.Duration `json:"duration"`
	// ExecutionErr wraps ErrExecutionFailure when an approved plan was
	// rolled back.
	ExecutionErr error `json:"-"`

	seq uint64
}

// Executed reports whether an approved proposal was applied.
func (r Result) Executed() bool {
	return r.Outcome == Approved && r.ExecutionErr == nil
}

// Prechecker decides before voting whether a proposal can succeed at all.
// A non-nil error rejects the proposal without a vote round.
type Prechecker interface {
	Precheck(p Proposal) ([]Fallback, error)
}

// ConditionChecker evaluates conditional votes at tally time.
type ConditionChecker interface {
	Satisfiable(p Proposal, c Condition) bool
}

// Executor turns approved proposals into world-model mutations.
type Executor interface {
	BuildPlan(p Proposal) (Plan, error)
	// Snapshot captures what Rollback needs to undo the plan.
	Snapshot(p Proposal) (any, error)
	ExecuteStep(p Proposal, s Step) error
	Rollback(p Proposal, snapshot any) error
}
