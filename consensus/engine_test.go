// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package consensus

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/luxfi/spatial/resource"
	"github.com/luxfi/spatial/roster"
	"github.com/luxfi/spatial/utils/timer/mockable"
)

var errTestStep = errors.New("step failed")

type precheckFunc func(Proposal) ([]Fallback, error)

func (f precheckFunc) Precheck(p Proposal) ([]Fallback, error) { return f(p) }

type conditionFunc func(Proposal, Condition) bool

func (f conditionFunc) Satisfiable(p Proposal, c Condition) bool { return f(p, c) }

// testExecutor moves entities in a map and fails at failAt when set.
type testExecutor struct {
	positions map[string]r3.Vec
	failAt    int
	executed  []Step
	rollbacks int
}

func newTestExecutor() *testExecutor {
	return &testExecutor{positions: make(map[string]r3.Vec), failAt: -1}
}

func (x *testExecutor) BuildPlan(p Proposal) (Plan, error) {
	if p.Type != LocationChangeType {
		return Plan{Steps: []Step{{Index: 0, Kind: AllocateStep, Resource: p.Resource}}}, nil
	}
	from := x.positions[p.Location.EntityID]
	mid := r3.Scale(0.5, r3.Add(from, p.Location.Target))
	return Plan{Steps: []Step{
		{Index: 0, Kind: MoveStep, EntityID: p.Location.EntityID, Position: mid},
		{Index: 1, Kind: MoveStep, EntityID: p.Location.EntityID, Position: p.Location.Target},
	}}, nil
}

func (x *testExecutor) Snapshot(p Proposal) (any, error) {
	snap := make(map[string]r3.Vec, len(x.positions))
	for k, v := range x.positions {
		snap[k] = v
	}
	return snap, nil
}

func (x *testExecutor) ExecuteStep(_ Proposal, s Step) error {
	if s.Index == x.failAt {
		return errTestStep
	}
	x.executed = append(x.executed, s)
	if s.Kind == MoveStep {
		x.positions[s.EntityID] = s.Position
	}
	return nil
}

func (x *testExecutor) Rollback(_ Proposal, snapshot any) error {
	x.rollbacks++
	x.positions = snapshot.(map[string]r3.Vec)
	return nil
}

type testEnv struct {
	engine   *Engine
	clock    *mockable.Clock
	roster   *roster.Roster
	executor *testExecutor
	results  []Result
}

func agentIDs(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("agent-%d", i)
	}
	return out
}

func newTestEnv(t *testing.T, n int, quorum, tolerance float64, edit func(*Config)) *testEnv {
	t.Helper()
	env := &testEnv{
		clock:    &mockable.Clock{},
		roster:   roster.New(),
		executor: newTestExecutor(),
	}
	env.clock.Set(time.Unix(1_700_000_000, 0))
	for i, id := range agentIDs(n) {
		require.NoError(t, env.roster.Add(roster.Agent{ID: id, TrustLevel: 0.5, SpatialPriority: i}))
	}
	cfg := Config{
		Quorum:     quorum,
		Tolerance:  tolerance,
		Timeout:    30 * time.Second,
		Directory:  env.roster,
		Executor:   env.executor,
		OnFinalize: func(r Result) { env.results = append(env.results, r) },
		Clock:      env.clock,
		Log:        log.NewNoOpLogger(),
	}
	if edit != nil {
		edit(&cfg)
	}
	e, err := New(cfg)
	require.NoError(t, err)
	env.engine = e
	return env
}

func (env *testEnv) move(t *testing.T, entity string, target r3.Vec) ids.ID {
	t.Helper()
	id, err := env.engine.ProposeLocationChange("agent-0", LocationChange{EntityID: entity, Target: target})
	require.NoError(t, err)
	return id
}

func TestQuorumArithmetic(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t, 7, 0.6, 0.33, nil)

	require.Equal(2, env.engine.Faulty(7))
	require.Equal(5, env.engine.Threshold(7))
	require.Equal(0, env.engine.Faulty(3))
	require.Equal(2, env.engine.Threshold(3))
}

func TestVoteOutcomes(t *testing.T) {
	a, r := Accept, Reject
	tests := []struct {
		name     string
		votes    []Decision
		expected Status
	}{
		{
			name:     "five accept two reject",
			votes:    []Decision{a, a, a, a, a, r, r},
			expected: Approved,
		},
		{
			name:     "rejects first then five accept",
			votes:    []Decision{r, r, a, a, a, a, a},
			expected: Approved,
		},
		{
			name:     "three accept four reject",
			votes:    []Decision{a, a, a, r, r, r, r},
			expected: Rejected,
		},
		{
			name:     "four reject first",
			votes:    []Decision{r, r, r, r, a, a, a},
			expected: Rejected,
		},
		{
			name:     "abstentions count against quorum",
			votes:    []Decision{a, a, a, a, Abstain, Abstain, Abstain},
			expected: Rejected,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require := require.New(t)
			env := newTestEnv(t, 7, 0.6, 0.33, nil)
			id := env.move(t, "agent-0", r3.Vec{X: 4, Y: 4, Z: 0})

			p, ok := env.engine.Proposal(id)
			require.True(ok)
			require.Equal(Voting, p.Status)
			require.Equal(7, p.Electorate)

			for i, d := range test.votes {
				err := env.engine.Vote(id, fmt.Sprintf("agent-%d", i), d, "", nil, nil)
				if err != nil {
					require.ErrorIs(err, ErrNotVoting)
				}
			}

			res, ok := env.engine.Result(id)
			require.True(ok)
			require.Equal(test.expected, res.Outcome)
			require.Equal(test.expected == Approved, res.QuorumAchieved)
			if test.expected == Approved {
				require.True(res.Executed())
				require.Equal(r3.Vec{X: 4, Y: 4, Z: 0}, env.executor.positions["agent-0"])
				require.NotNil(res.Plan)
				require.Equal(id, res.Plan.ProposalID)
				require.Len(res.Plan.Steps, 2)
			} else {
				require.Empty(env.executor.executed)
			}
			require.Empty(env.engine.Active())
		})
	}
}

func TestVoteValidation(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t, 4, 0.75, 0.25, nil)
	id := env.move(t, "agent-1", r3.Vec{X: 1})

	require.ErrorIs(env.engine.Vote(id, "agent-1", "maybe", "", nil, nil), ErrInvalidVote)
	require.ErrorIs(env.engine.Vote(id, "", Accept, "", nil, nil), ErrInvalidVote)
	require.ErrorIs(env.engine.Vote(id, "agent-1", Conditional, "", nil, nil), ErrInvalidVote)
	require.ErrorIs(env.engine.Vote(ids.GenerateTestID(), "agent-1", Accept, "", nil, nil), ErrUnknownProposal)
	require.ErrorIs(env.engine.Vote(id, "stranger", Accept, "", nil, nil), ErrUnknownVoter)

	require.NoError(env.engine.Vote(id, "agent-1", Accept, "clear path", nil, nil))
	require.ErrorIs(env.engine.Vote(id, "agent-1", Accept, "", nil, nil), ErrDuplicateVote)
	require.ErrorIs(env.engine.Vote(id, "agent-1", Reject, "", nil, nil), ErrDuplicateVote)

	votes := env.engine.Votes(id)
	require.Len(votes, 1)
	require.Equal("clear path", votes[0].Reasoning)
	require.Equal(uint64(2), env.engine.Stats().DuplicateVotes)

	tally, err := env.engine.Tally(id)
	require.NoError(err)
	require.Equal(1, tally.Accept)
	require.Equal(3, tally.Uncast)
	require.Equal(1, tally.Faulty)
	require.Equal(3, tally.Threshold)
}

func TestVoteSignatures(t *testing.T) {
	require := require.New(t)
	keys := roster.NewKeyring()
	for _, id := range agentIDs(4) {
		require.NoError(keys.Generate(id))
	}
	env := newTestEnv(t, 4, 0.75, 0.25, func(c *Config) { c.Verifier = keys })
	id := env.move(t, "agent-2", r3.Vec{X: 3})

	sig, err := keys.Sign("agent-1", VotePayload(id, "agent-1", Accept))
	require.NoError(err)
	require.NoError(env.engine.Vote(id, "agent-1", Accept, "", nil, sig))

	// A signature over a different decision does not verify.
	sig, err = keys.Sign("agent-2", VotePayload(id, "agent-2", Reject))
	require.NoError(err)
	require.ErrorIs(env.engine.Vote(id, "agent-2", Accept, "", nil, sig), ErrInvalidSignature)

	// Nor does another voter's signature.
	sig, err = keys.Sign("agent-1", VotePayload(id, "agent-3", Accept))
	require.NoError(err)
	require.ErrorIs(env.engine.Vote(id, "agent-3", Accept, "", nil, sig), ErrInvalidSignature)
	require.Len(env.engine.Votes(id), 1)
}

func TestInsufficientAgents(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t, 3, 0.67, 1.0/3, nil)
	_, err := env.engine.ProposeLocationChange("agent-0", LocationChange{EntityID: "agent-0", Target: r3.Vec{X: 1}})
	require.ErrorIs(err, ErrInsufficientAgents)

	require.NoError(env.roster.Add(roster.Agent{ID: "agent-3", TrustLevel: 0.5}))
	_, err = env.engine.ProposeLocationChange("agent-0", LocationChange{EntityID: "agent-0", Target: r3.Vec{X: 1}})
	require.NoError(err)
}

func TestInvalidProposals(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t, 4, 0.75, 0.25, nil)
	e := env.engine

	_, err := e.ProposeLocationChange("nobody", LocationChange{EntityID: "x", Target: r3.Vec{}})
	require.ErrorIs(err, ErrInvalidProposal)
	require.ErrorIs(err, roster.ErrUnknownAgent)
	_, err = e.ProposeLocationChange("agent-0", LocationChange{Target: r3.Vec{}})
	require.ErrorIs(err, ErrInvalidProposal)
	_, err = e.ProposeResourceAllocation("agent-0", resource.Request{ResourceType: "gpu"})
	require.ErrorIs(err, ErrInvalidProposal)
	_, err = e.ProposeZoneAccess("agent-0", ZoneAccess{ZoneID: "dock", Action: "loiter"})
	require.ErrorIs(err, ErrInvalidProposal)
	_, err = e.ProposeCollaboration("agent-0", Collaboration{Participants: []string{"agent-1", "agent-1"}, Task: "lift"})
	require.ErrorIs(err, ErrInvalidProposal)
	_, err = e.ProposeCollaboration("agent-0", Collaboration{Participants: []string{"agent-1"}})
	require.ErrorIs(err, ErrInvalidProposal)

	_, err = e.ProposeZoneAccess("agent-0", ZoneAccess{ZoneID: "dock", Action: Enter})
	require.NoError(err)
	_, err = e.ProposeZoneAccess("agent-0", ZoneAccess{ZoneID: "dock", Action: Enter})
	require.ErrorIs(err, ErrDuplicateProposal)
	require.Equal(uint64(1), e.Stats().Proposals)
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		edit func(*Config)
	}{
		{name: "no directory", edit: func(c *Config) { c.Directory = nil }},
		{name: "zero quorum", edit: func(c *Config) { c.Quorum = 0 }},
		{name: "quorum above one", edit: func(c *Config) { c.Quorum = 1.5 }},
		{name: "tolerance above a third", edit: func(c *Config) { c.Tolerance = 0.4 }},
		{name: "zero timeout", edit: func(c *Config) { c.Timeout = 0 }},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := Config{Quorum: 0.67, Tolerance: 0.33, Timeout: time.Second, Directory: roster.New()}
			test.edit(&cfg)
			_, err := New(cfg)
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestTimeout(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t, 4, 0.75, 0.25, nil)

	first := env.move(t, "agent-1", r3.Vec{X: 1})
	second := env.move(t, "agent-2", r3.Vec{X: 2})
	require.NoError(env.engine.Vote(first, "agent-0", Accept, "", nil, nil))

	env.clock.Advance(30 * time.Second)

	err := env.engine.Vote(first, "agent-1", Accept, "", nil, nil)
	require.ErrorIs(err, ErrNotVoting)
	require.ErrorIs(err, ErrQuorumTimeout)
	res, ok := env.engine.Result(first)
	require.True(ok)
	require.Equal(TimedOut, res.Outcome)
	require.Equal(1, res.Tally.Accept)

	expired := env.engine.Expire(env.clock.Time())
	require.Len(expired, 1)
	require.Equal(second, expired[0].ProposalID)
	require.Equal(TimedOut, expired[0].Outcome)
	require.Empty(env.engine.Active())

	_, ok = env.engine.Holder(EntityKey("agent-2"))
	require.False(ok)
	require.Equal(uint64(2), env.engine.Stats().ByOutcome["timed_out"])
}

func TestPrecheckRejects(t *testing.T) {
	require := require.New(t)
	errFull := errors.New("zone full")
	env := newTestEnv(t, 4, 0.75, 0.25, func(c *Config) {
		c.Prechecker = precheckFunc(func(p Proposal) ([]Fallback, error) {
			if p.Type == ZoneAccessType && p.Zone.ZoneID == "dock" {
				return []Fallback{{Kind: FallbackWait, Description: "wait for an occupant to leave"}}, errFull
			}
			return nil, nil
		})
	})

	id, err := env.engine.ProposeZoneAccess("agent-3", ZoneAccess{ZoneID: "dock", Action: Enter})
	require.NoError(err)

	res, ok := env.engine.Result(id)
	require.True(ok)
	require.Equal(Rejected, res.Outcome)
	require.Equal(errFull.Error(), res.Reason)
	require.Len(res.Fallbacks, 1)
	require.Zero(res.Tally.Cast())
	require.ErrorIs(env.engine.Vote(id, "agent-0", Accept, "", nil, nil), ErrNotVoting)

	other, err := env.engine.ProposeZoneAccess("agent-3", ZoneAccess{ZoneID: "yard", Action: Enter})
	require.NoError(err)
	p, _ := env.engine.Proposal(other)
	require.Equal(Voting, p.Status)
	require.Equal([]string{ZoneKey("yard"), EntityKey("agent-3")}, p.Keys)
}

func TestLockQueueing(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t, 4, 0.75, 0.25, nil)
	e := env.engine

	first := env.move(t, "agent-1", r3.Vec{X: 1})
	second := env.move(t, "agent-1", r3.Vec{X: 2})
	third := env.move(t, "agent-2", r3.Vec{X: 3})

	p, _ := e.Proposal(second)
	require.Equal(Created, p.Status)
	p, _ = e.Proposal(third)
	require.Equal(Voting, p.Status)
	holder, ok := e.Holder(EntityKey("agent-1"))
	require.True(ok)
	require.Equal(first, holder)
	require.ErrorIs(e.Vote(second, "agent-0", Accept, "", nil, nil), ErrNotVoting)
	require.Equal(1, e.Stats().Queued)

	for _, voter := range agentIDs(3) {
		require.NoError(e.Vote(first, voter, Accept, "", nil, nil))
	}
	res, _ := e.Result(first)
	require.Equal(Approved, res.Outcome)

	p, _ = e.Proposal(second)
	require.Equal(Voting, p.Status)
	holder, _ = e.Holder(EntityKey("agent-1"))
	require.Equal(second, holder)
	require.Len(e.Active(), 2)
	require.Equal(second, e.Active()[0].ID)
}

func TestLockQueueFIFO(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t, 4, 0.75, 0.25, nil)
	e := env.engine

	// collab waits on agent-1; the later move of agent-2 must not overtake
	// it even though agent-2 is free.
	blocker := env.move(t, "agent-1", r3.Vec{X: 1})
	collab, err := e.ProposeCollaboration("agent-0", Collaboration{Participants: []string{"agent-1", "agent-2"}, Task: "lift", Location: r3.Vec{X: 5}})
	require.NoError(err)
	late := env.move(t, "agent-2", r3.Vec{X: 2})

	p, _ := e.Proposal(collab)
	require.Equal(Created, p.Status)
	p, _ = e.Proposal(late)
	require.Equal(Created, p.Status)

	_, err = e.Withdraw(blocker, "superseded", nil)
	require.NoError(err)
	p, _ = e.Proposal(collab)
	require.Equal(Voting, p.Status)
	p, _ = e.Proposal(late)
	require.Equal(Created, p.Status)
}

func TestExecutionRollback(t *testing.T) {
	require := require.New(t)
	var failures []error
	env := newTestEnv(t, 4, 0.75, 0.25, func(c *Config) {
		c.OnExecutionFailure = func(_ Proposal, err error) { failures = append(failures, err) }
	})
	env.executor.positions["agent-1"] = r3.Vec{X: 0}
	env.executor.failAt = 1

	id := env.move(t, "agent-1", r3.Vec{X: 8})
	for _, voter := range agentIDs(3) {
		require.NoError(env.engine.Vote(id, voter, Accept, "", nil, nil))
	}

	res, ok := env.engine.Result(id)
	require.True(ok)
	require.Equal(Approved, res.Outcome)
	require.False(res.Executed())
	require.ErrorIs(res.ExecutionErr, ErrExecutionFailure)
	require.ErrorIs(res.ExecutionErr, errTestStep)
	require.Equal(1, env.executor.rollbacks)
	require.Equal(r3.Vec{X: 0}, env.executor.positions["agent-1"])
	require.Len(failures, 1)
	require.Equal(uint64(1), env.engine.Stats().Rollbacks)

	_, ok = env.engine.Holder(EntityKey("agent-1"))
	require.False(ok)
}

func TestWithdraw(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t, 4, 0.75, 0.25, nil)
	id := env.move(t, "agent-1", r3.Vec{X: 1})

	fallback := Fallback{Kind: FallbackRelocate, Description: "moved by resolution"}
	res, err := env.engine.Withdraw(id, "resolved by priority", []Fallback{fallback})
	require.NoError(err)
	require.Equal(Rejected, res.Outcome)
	require.True(res.Superseded)
	require.Equal([]Fallback{fallback}, res.Fallbacks)
	require.True(env.results[len(env.results)-1].Superseded)

	_, err = env.engine.Withdraw(id, "again", nil)
	require.ErrorIs(err, ErrNotVoting)
	_, err = env.engine.Withdraw(ids.GenerateTestID(), "", nil)
	require.ErrorIs(err, ErrUnknownProposal)
}

func TestGrant(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t, 4, 0.75, 0.25, nil)
	id := env.move(t, "agent-1", r3.Vec{X: 1})

	res, err := env.engine.Grant(id, "granted by priority")
	require.NoError(err)
	require.Equal(Approved, res.Outcome)
	require.True(res.Superseded)
	require.Nil(res.Plan)
	require.Empty(env.executor.executed)
	require.Equal(uint64(1), env.engine.Stats().ByOutcome[Approved.String()])

	_, ok := env.engine.Holder(EntityKey("agent-1"))
	require.False(ok)
	_, err = env.engine.Grant(id, "again")
	require.ErrorIs(err, ErrNotVoting)
}

func TestConditionalVotes(t *testing.T) {
	require := require.New(t)
	satisfied := false
	env := newTestEnv(t, 4, 0.75, 0, func(c *Config) {
		c.Conditions = conditionFunc(func(_ Proposal, c Condition) bool {
			return c.Kind == TargetFree && satisfied
		})
	})
	cond := []Condition{{Kind: TargetFree, Point: r3.Vec{X: 1}, Value: 1}}

	id := env.move(t, "agent-1", r3.Vec{X: 1})
	require.NoError(env.engine.Vote(id, "agent-0", Accept, "", nil, nil))
	require.NoError(env.engine.Vote(id, "agent-1", Accept, "", nil, nil))
	require.NoError(env.engine.Vote(id, "agent-2", Conditional, "if the target stays free", cond, nil))

	tally, err := env.engine.Tally(id)
	require.NoError(err)
	require.Equal(2, tally.Accept)
	require.Equal(1, tally.Abstain)
	require.Equal(1, tally.Conditional)

	// The unmet condition may still be met, so one reject does not settle it.
	require.NoError(env.engine.Vote(id, "agent-3", Reject, "", nil, nil))
	p, _ := env.engine.Proposal(id)
	require.Equal(Voting, p.Status)

	satisfied = true
	other := env.move(t, "agent-2", r3.Vec{X: 2})
	require.NoError(env.engine.Vote(other, "agent-0", Accept, "", nil, nil))
	require.NoError(env.engine.Vote(other, "agent-1", Conditional, "", cond, nil))
	require.NoError(env.engine.Vote(other, "agent-2", Accept, "", nil, nil))
	res, ok := env.engine.Result(other)
	require.True(ok)
	require.Equal(Approved, res.Outcome)
	require.Equal(3, res.Tally.Accept)
}

func TestAuditLog(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t, 4, 0.75, 0.25, nil)
	start := env.clock.Time()

	first := env.move(t, "agent-1", r3.Vec{X: 1})
	_, err := env.engine.Withdraw(first, "", nil)
	require.NoError(err)

	env.clock.Advance(time.Minute)
	second := env.move(t, "agent-2", r3.Vec{X: 1})
	env.clock.Advance(time.Second)
	for _, voter := range agentIDs(3) {
		require.NoError(env.engine.Vote(second, voter, Accept, "", nil, nil))
	}

	audit := env.engine.AuditLog(start)
	require.Len(audit, 2)
	require.Equal(first, audit[0].ProposalID)
	require.Equal(second, audit[1].ProposalID)
	require.Equal(time.Second, audit[1].Duration)
	require.Len(env.engine.AuditLog(start.Add(time.Second)), 1)
	require.Len(env.results, 2)

	stats := env.engine.Stats()
	require.Equal(uint64(1), stats.ByOutcome["approved"])
	require.Equal(uint64(1), stats.ByOutcome["rejected"])
	require.Equal(500*time.Millisecond, stats.AverageTime)

	require.Equal(1, env.engine.PruneAudit(start.Add(time.Second)))
	_, ok := env.engine.Result(first)
	require.False(ok)
	_, ok = env.engine.Proposal(first)
	require.False(ok)
	require.Equal(1, env.engine.Stats().AuditSize)
}
