// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package consensus

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/luxfi/spatial/resource"
	"github.com/luxfi/spatial/roster"
	"github.com/luxfi/spatial/utils/timer/mockable"
)

// epsilon absorbs floating point error in q*n and f_frac*n.
const epsilon = 1e-9

// Config wires an Engine to its collaborators. Directory is required; the
// rest have usable zero values.
type Config struct {
	Quorum    float64
	Tolerance float64
	Timeout   time.Duration

	Directory  roster.Directory
	Verifier   roster.Verifier
	Prechecker Prechecker
	Conditions ConditionChecker
	Executor   Executor

	// OnFinalize is called for every terminal result, with the engine
	// lock held. It must not call back into the engine.
	OnFinalize func(Result)
	// OnExecutionFailure is called after an approved plan was rolled back.
	OnExecutionFailure func(Proposal, error)

	Clock mockable.Source
	Log   log.Logger
}

// Stats summarizes engine activity.
type Stats struct {
	Proposals      uint64            `json:"proposals"`
	ByOutcome      map[string]uint64 `json:"byOutcome"`
	Active         int               `json:"active"`
	Queued         int               `json:"queued"`
	DuplicateVotes uint64            `json:"duplicateVotes"`
	Rollbacks      uint64            `json:"rollbacks"`
	AverageTime    time.Duration     `json:"averageConsensusTime"`
	AuditSize      int               `json:"auditSize"`
}

// Engine runs one Byzantine fault tolerant vote per proposal. Proposals
// that touch a common entity, resource or zone are serialized: a proposal
// whose locks are held waits in Created until every earlier proposal on
// those keys is terminal.
type Engine struct {
	cfg   Config
	clock mockable.Source
	log   log.Logger

	lock      sync.Mutex
	proposals map[ids.ID]*Proposal
	votes     map[ids.ID][]Vote
	results   map[ids.ID]*Result
	held      map[string]ids.ID
	waiting   []*Proposal
	audit     *btree.BTreeG[*Result]
	seq       uint64

	total      uint64
	byOutcome  map[Status]uint64
	duplicates uint64
	rollbacks  uint64
	timeSum    time.Duration
	timeCount  uint64
}

func (c Config) validate() error {
	switch {
	case c.Directory == nil:
		return fmt.Errorf("%w: no agent directory", ErrInvalidConfig)
	case c.Quorum <= 0 || c.Quorum > 1:
		return fmt.Errorf("%w: quorum %v", ErrInvalidConfig, c.Quorum)
	case c.Tolerance < 0 || c.Tolerance > 1.0/3+epsilon:
		return fmt.Errorf("%w: byzantine tolerance %v", ErrInvalidConfig, c.Tolerance)
	case c.Timeout <= 0:
		return fmt.Errorf("%w: timeout %v", ErrInvalidConfig, c.Timeout)
	}
	return nil
}

func bySeq(a, b *Proposal) int {
	return cmp.Compare(a.seq, b.seq)
}

func auditLess(a, b *Result) bool {
	if !a.FinalizedAt.Equal(b.FinalizedAt) {
		return a.FinalizedAt.Before(b.FinalizedAt)
	}
	return a.seq < b.seq
}

// New returns an engine for cfg.
func New(cfg Config) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Verifier == nil {
		cfg.Verifier = roster.AcceptAll
	}
	if cfg.Clock == nil {
		cfg.Clock = &mockable.Clock{}
	}
	if cfg.Log == nil {
		cfg.Log = log.NewNoOpLogger()
	}
	return &Engine{
		cfg:       cfg,
		clock:     cfg.Clock,
		log:       cfg.Log,
		proposals: make(map[ids.ID]*Proposal),
		votes:     make(map[ids.ID][]Vote),
		results:   make(map[ids.ID]*Result),
		held:      make(map[string]ids.ID),
		audit:     btree.NewG(8, auditLess),
		byOutcome: make(map[Status]uint64),
	}, nil
}

// Faulty returns f = floor(tolerance*n).
func (e *Engine) Faulty(n int) int {
	return int(math.Floor(e.cfg.Tolerance*float64(n) + epsilon))
}

// Threshold returns ceil(q*n).
func (e *Engine) Threshold(n int) int {
	return int(math.Ceil(e.cfg.Quorum*float64(n) - epsilon))
}

// ProposeLocationChange asks to move change.EntityID to change.Target.
func (e *Engine) ProposeLocationChange(proposer string, change LocationChange) (ids.ID, error) {
	if err := change.validate(); err != nil {
		return ids.Empty, err
	}
	return e.propose(&Proposal{Type: LocationChangeType, Proposer: proposer, Location: &change})
}

// ProposeResourceAllocation asks for req. An empty AgentID is filled with
// the proposer.
func (e *Engine) ProposeResourceAllocation(proposer string, req resource.Request) (ids.ID, error) {
	if req.AgentID == "" {
		req.AgentID = proposer
	}
	if err := req.Validate(); err != nil {
		return ids.Empty, fmt.Errorf("%w: %v", ErrInvalidProposal, err)
	}
	return e.propose(&Proposal{Type: ResourceAllocationType, Proposer: proposer, Resource: &req})
}

// ProposeZoneAccess asks for access.AgentID to enter or leave a zone. An
// empty AgentID is filled with the proposer.
func (e *Engine) ProposeZoneAccess(proposer string, access ZoneAccess) (ids.ID, error) {
	if access.AgentID == "" {
		access.AgentID = proposer
	}
	if err := access.validate(); err != nil {
		return ids.Empty, err
	}
	return e.propose(&Proposal{Type: ZoneAccessType, Proposer: proposer, Zone: &access})
}

// ProposeCollaboration asks the participants to gather for a task.
func (e *Engine) ProposeCollaboration(proposer string, collab Collaboration) (ids.ID, error) {
	collab.Participants = slices.Clone(collab.Participants)
	if err := collab.validate(); err != nil {
		return ids.Empty, err
	}
	return e.propose(&Proposal{Type: CollaborationRequestType, Proposer: proposer, Collaboration: &collab})
}

func (e *Engine) propose(p *Proposal) (ids.ID, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	agent, ok := e.cfg.Directory.Get(p.Proposer)
	if !ok {
		return ids.Empty, fmt.Errorf("%w: %w: proposer %q", ErrInvalidProposal, roster.ErrUnknownAgent, p.Proposer)
	}
	members := e.cfg.Directory.List()
	n := len(members)
	f := e.Faulty(n)
	if n == 0 || n < 3*f+1 {
		return ids.Empty, fmt.Errorf("%w: n=%d f=%d", ErrInsufficientAgents, n, f)
	}

	now := e.clock.Time()
	p.CreatedAt = now
	p.TTL = e.cfg.Timeout
	p.Deadline = now.Add(p.TTL)
	p.Status = Created
	p.Electorate = n
	p.Priority = agent.SpatialPriority
	p.Trust = agent.TrustLevel
	p.Keys = lockKeys(p)
	p.voters = make(map[string]struct{}, n)
	for _, m := range members {
		p.voters[m.ID] = struct{}{}
	}
	id, err := p.computeID()
	if err != nil {
		return ids.Empty, err
	}
	if _, ok := e.proposals[id]; ok {
		return ids.Empty, fmt.Errorf("%w: %s", ErrDuplicateProposal, id)
	}
	p.ID = id
	e.seq++
	p.seq = e.seq
	e.proposals[id] = p
	e.waiting = append(e.waiting, p)
	e.total++

	e.log.Debug("proposal created",
		log.Stringer("proposalID", id),
		log.String("type", string(p.Type)),
		log.String("proposer", p.Proposer),
		log.Int("electorate", n),
	)
	e.settle()
	return id, nil
}

// settle starts every waiting proposal whose locks are free. Keys wanted by
// an earlier waiter are reserved so later proposals cannot overtake it.
func (e *Engine) settle() {
	for {
		started := false
		reserved := make(map[string]struct{})
		for i, p := range e.waiting {
			if e.blocked(p, reserved) {
				for _, k := range p.Keys {
					reserved[k] = struct{}{}
				}
				continue
			}
			e.waiting = slices.Delete(e.waiting, i, i+1)
			for _, k := range p.Keys {
				e.held[k] = p.ID
			}
			e.begin(p)
			started = true
			break
		}
		if !started {
			return
		}
	}
}

func (e *Engine) blocked(p *Proposal, reserved map[string]struct{}) bool {
	for _, k := range p.Keys {
		if _, ok := e.held[k]; ok {
			return true
		}
		if _, ok := reserved[k]; ok {
			return true
		}
	}
	return false
}

func (e *Engine) begin(p *Proposal) {
	if !e.clock.Time().Before(p.Deadline) {
		e.timeout(p)
		return
	}
	if e.cfg.Prechecker != nil {
		fallbacks, err := e.cfg.Prechecker.Precheck(p.public())
		if err != nil {
			e.log.Info("proposal rejected by precheck",
				log.Stringer("proposalID", p.ID),
				log.String("type", string(p.Type)),
				log.Err(err),
			)
			e.finalize(p, Rejected, err.Error(), fallbacks, false)
			return
		}
	}
	p.Status = Voting
}

func (p *Proposal) public() Proposal {
	c := *p
	c.voters = nil
	c.Keys = slices.Clone(p.Keys)
	return c
}

// Vote records voterID's decision on proposalID and re-tallies. Signature
// must verify over VotePayload.
func (e *Engine) Vote(proposalID ids.ID, voterID string, decision Decision, reasoning string, conditions []Condition, signature []byte) error {
	if !decision.valid() || voterID == "" {
		return fmt.Errorf("%w: voter %q decision %q", ErrInvalidVote, voterID, decision)
	}
	if decision == Conditional && len(conditions) == 0 {
		return fmt.Errorf("%w: conditional vote without conditions", ErrInvalidVote)
	}

	e.lock.Lock()
	defer e.lock.Unlock()
	defer e.settle()

	p, ok := e.proposals[proposalID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProposal, proposalID)
	}
	now := e.clock.Time()
	if !p.Status.Terminal() && !now.Before(p.Deadline) {
		e.timeout(p)
		return fmt.Errorf("%w: %w", ErrNotVoting, ErrQuorumTimeout)
	}
	if p.Status != Voting {
		return fmt.Errorf("%w: %s is %s", ErrNotVoting, proposalID, p.Status)
	}
	for _, v := range e.votes[proposalID] {
		if v.VoterID == voterID {
			e.duplicates++
			e.log.Debug("duplicate vote ignored",
				log.Stringer("proposalID", proposalID),
				log.String("voterID", voterID),
			)
			return fmt.Errorf("%w: %s on %s", ErrDuplicateVote, voterID, proposalID)
		}
	}
	if _, ok := p.voters[voterID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownVoter, voterID)
	}
	if !e.cfg.Verifier.Verify(voterID, VotePayload(proposalID, voterID, decision), signature) {
		return fmt.Errorf("%w: %s on %s", ErrInvalidSignature, voterID, proposalID)
	}

	e.votes[proposalID] = append(e.votes[proposalID], Vote{
		ProposalID: proposalID,
		VoterID:    voterID,
		Decision:   decision,
		Reasoning:  reasoning,
		Conditions: slices.Clone(conditions),
		Signature:  slices.Clone(signature),
		CastAt:     now,
	})

	tally, pending := e.tally(p)
	need := max(tally.Threshold, tally.Faulty+1)
	switch {
	case tally.Accept >= tally.Threshold && tally.Accept > tally.Faulty:
		e.finalize(p, Approved, "", nil, true)
	case tally.Accept+pending+tally.Uncast < need:
		e.finalize(p, Rejected, "quorum unreachable", nil, false)
	}
	return nil
}

// tally counts the votes of p. pending is the number of conditional votes
// whose conditions do not hold yet.
func (e *Engine) tally(p *Proposal) (Tally, int) {
	t := Tally{
		Electorate: p.Electorate,
		Faulty:     e.Faulty(p.Electorate),
		Threshold:  e.Threshold(p.Electorate),
	}
	pending := 0
	votes := e.votes[p.ID]
	for _, v := range votes {
		switch v.Decision {
		case Accept:
			t.Accept++
		case Reject:
			t.Reject++
		case Abstain:
			t.Abstain++
		case Conditional:
			t.Conditional++
			if e.satisfiable(p, v.Conditions) {
				t.Accept++
			} else {
				t.Abstain++
				pending++
			}
		}
	}
	t.Uncast = p.Electorate - len(votes)
	return t, pending
}

func (e *Engine) satisfiable(p *Proposal, conditions []Condition) bool {
	if e.cfg.Conditions == nil {
		return false
	}
	pub := p.public()
	for _, c := range conditions {
		if !e.cfg.Conditions.Satisfiable(pub, c) {
			return false
		}
	}
	return true
}

func (e *Engine) timeout(p *Proposal) *Result {
	e.log.Info("proposal timed out",
		log.Stringer("proposalID", p.ID),
		log.String("type", string(p.Type)),
		log.Stringer("status", p.Status),
		log.Duration("ttl", p.TTL),
	)
	return e.finalize(p, TimedOut, ErrQuorumTimeout.Error(), nil, false)
}

// finalize moves p to a terminal state, executes approved plans that were
// not superseded, releases locks and records the result.
func (e *Engine) finalize(p *Proposal, outcome Status, reason string, fallbacks []Fallback, quorum bool) *Result {
	now := e.clock.Time()
	tally, _ := e.tally(p)
	p.Status = outcome
	r := &Result{
		ProposalID:     p.ID,
		Type:           p.Type,
		Outcome:        outcome,
		Tally:          tally,
		QuorumAchieved: quorum,
		Reason:         reason,
		Fallbacks:      fallbacks,
		Superseded:     p.superseded,
		FinalizedAt:    now,
		Duration:       now.Sub(p.CreatedAt),
	}
	if outcome == Approved && !p.superseded && e.cfg.Executor != nil {
		plan, err := e.execute(p)
		r.Plan = plan
		if err != nil {
			r.ExecutionErr = err
			e.rollbacks++
		}
	}

	for _, k := range p.Keys {
		if e.held[k] == p.ID {
			delete(e.held, k)
		}
	}
	if i := slices.Index(e.waiting, p); i >= 0 {
		e.waiting = slices.Delete(e.waiting, i, i+1)
	}

	e.seq++
	r.seq = e.seq
	e.results[p.ID] = r
	e.audit.ReplaceOrInsert(r)
	e.byOutcome[outcome]++
	e.timeSum += r.Duration
	e.timeCount++

	e.log.Debug("proposal finalized",
		log.Stringer("proposalID", p.ID),
		log.Stringer("outcome", outcome),
		log.Int("accept", tally.Accept),
		log.Int("reject", tally.Reject),
		log.Duration("duration", r.Duration),
	)
	if e.cfg.OnFinalize != nil {
		e.cfg.OnFinalize(*r)
	}
	if r.ExecutionErr != nil && e.cfg.OnExecutionFailure != nil {
		e.cfg.OnExecutionFailure(p.public(), r.ExecutionErr)
	}
	return r
}

// execute runs the implementation plan of p, rolling back to the
// pre-proposal snapshot when any step fails.
func (e *Engine) execute(p *Proposal) (*Plan, error) {
	pub := p.public()
	plan, err := e.cfg.Executor.BuildPlan(pub)
	if err != nil {
		e.log.Warn("implementation plan could not be built",
			log.Stringer("proposalID", p.ID),
			log.Err(err),
		)
		return nil, fmt.Errorf("%w: build plan: %w", ErrExecutionFailure, err)
	}
	plan.ProposalID = p.ID
	snapshot, err := e.cfg.Executor.Snapshot(pub)
	if err != nil {
		return &plan, fmt.Errorf("%w: snapshot: %w", ErrExecutionFailure, err)
	}
	for _, step := range plan.Steps {
		stepErr := e.cfg.Executor.ExecuteStep(pub, step)
		if stepErr == nil {
			continue
		}
		execErr := fmt.Errorf("%w: step %d (%s): %w", ErrExecutionFailure, step.Index, step.Kind, stepErr)
		if err := e.cfg.Executor.Rollback(pub, snapshot); err != nil {
			execErr = fmt.Errorf("%w; rollback: %w", execErr, err)
		}
		e.log.Warn("implementation rolled back",
			log.Stringer("proposalID", p.ID),
			log.Int("step", step.Index),
			log.Int("steps", len(plan.Steps)),
			log.Err(stepErr),
		)
		return &plan, execErr
	}
	return &plan, nil
}

// Expire times out every non-terminal proposal whose deadline is at or
// before now.
func (e *Engine) Expire(now time.Time) []Result {
	e.lock.Lock()
	defer e.lock.Unlock()

	var expired []*Proposal
	for _, p := range e.proposals {
		if !p.Status.Terminal() && !now.Before(p.Deadline) {
			expired = append(expired, p)
		}
	}
	slices.SortFunc(expired, bySeq)
	out := make([]Result, 0, len(expired))
	for _, p := range expired {
		out = append(out, *e.timeout(p))
	}
	e.settle()
	return out
}

// Withdraw rejects a non-terminal proposal whose intent was superseded, for
// example by a conflict resolution that denied or held it.
func (e *Engine) Withdraw(id ids.ID, reason string, fallbacks []Fallback) (Result, error) {
	return e.supersede(id, Rejected, reason, fallbacks)
}

// Grant approves a non-terminal proposal whose intent was already carried
// out outside the engine, for example by a conflict resolution. No plan is
// executed.
func (e *Engine) Grant(id ids.ID, reason string) (Result, error) {
	return e.supersede(id, Approved, reason, nil)
}

func (e *Engine) supersede(id ids.ID, outcome Status, reason string, fallbacks []Fallback) (Result, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	p, ok := e.proposals[id]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownProposal, id)
	}
	if p.Status.Terminal() {
		return Result{}, fmt.Errorf("%w: %s is %s", ErrNotVoting, id, p.Status)
	}
	p.superseded = true
	r := e.finalize(p, outcome, reason, fallbacks, false)
	e.settle()
	return *r, nil
}

// Proposal returns a copy of the proposal with id, terminal or not.
func (e *Engine) Proposal(id ids.ID) (Proposal, bool) {
	e.lock.Lock()
	defer e.lock.Unlock()

	p, ok := e.proposals[id]
	if !ok {
		return Proposal{}, false
	}
	return p.public(), true
}

// Result returns the outcome of a finalized proposal.
func (e *Engine) Result(id ids.ID) (Result, bool) {
	e.lock.Lock()
	defer e.lock.Unlock()

	r, ok := e.results[id]
	if !ok {
		return Result{}, false
	}
	return *r, true
}

// Tally returns the current vote count of a proposal.
func (e *Engine) Tally(id ids.ID) (Tally, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	p, ok := e.proposals[id]
	if !ok {
		return Tally{}, fmt.Errorf("%w: %s", ErrUnknownProposal, id)
	}
	t, _ := e.tally(p)
	return t, nil
}

// Votes returns the votes recorded on a proposal in arrival order.
func (e *Engine) Votes(id ids.ID) []Vote {
	e.lock.Lock()
	defer e.lock.Unlock()

	return slices.Clone(e.votes[id])
}

// Active returns the non-terminal proposals in creation order.
func (e *Engine) Active() []Proposal {
	e.lock.Lock()
	defer e.lock.Unlock()

	active := make([]*Proposal, 0, len(e.proposals))
	for _, p := range e.proposals {
		if !p.Status.Terminal() {
			active = append(active, p)
		}
	}
	slices.SortFunc(active, bySeq)
	out := make([]Proposal, len(active))
	for i, p := range active {
		out[i] = p.public()
	}
	return out
}

// Holder returns the proposal currently holding key.
func (e *Engine) Holder(key string) (ids.ID, bool) {
	e.lock.Lock()
	defer e.lock.Unlock()

	id, ok := e.held[key]
	return id, ok
}

// AuditLog returns the results finalized at or after since, oldest first.
func (e *Engine) AuditLog(since time.Time) []Result {
	e.lock.Lock()
	defer e.lock.Unlock()

	var out []Result
	e.audit.AscendGreaterOrEqual(&Result{FinalizedAt: since}, func(r *Result) bool {
		out = append(out, *r)
		return true
	})
	return out
}

// PruneAudit forgets results finalized before cutoff together with their
// proposals and votes.
func (e *Engine) PruneAudit(cutoff time.Time) int {
	e.lock.Lock()
	defer e.lock.Unlock()

	pruned := 0
	for {
		r, ok := e.audit.Min()
		if !ok || !r.FinalizedAt.Before(cutoff) {
			return pruned
		}
		e.audit.DeleteMin()
		delete(e.results, r.ProposalID)
		delete(e.proposals, r.ProposalID)
		delete(e.votes, r.ProposalID)
		pruned++
	}
}

// Stats returns engine counters.
func (e *Engine) Stats() Stats {
	e.lock.Lock()
	defer e.lock.Unlock()

	s := Stats{
		Proposals:      e.total,
		ByOutcome:      make(map[string]uint64, len(e.byOutcome)),
		Queued:         len(e.waiting),
		DuplicateVotes: e.duplicates,
		Rollbacks:      e.rollbacks,
		AuditSize:      e.audit.Len(),
	}
	for status, n := range e.byOutcome {
		s.ByOutcome[status.String()] = n
	}
	for _, p := range e.proposals {
		if !p.Status.Terminal() {
			s.Active++
		}
	}
	if e.timeCount > 0 {
		s.AverageTime = e.timeSum / time.Duration(e.timeCount)
	}
	return s
}
