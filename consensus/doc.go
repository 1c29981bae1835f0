// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

/*
Package consensus runs Byzantine fault tolerant votes over proposed spatial
state changes.

# Lifecycle

Every proposal moves through

	Created -> Voting -> {Approved, Rejected, TimedOut}

and terminal states never change. A proposal stays in Created while another
proposal holds one of its lock keys (an entity, a resource type or a zone).
Waiters are started in arrival order, so a later proposal never overtakes
an earlier one on a shared key.

Before voting opens, the configured Prechecker may reject the proposal
outright. A zone that is already full, or a resource held exclusively, is
rejected this way without a vote round.

# Quorum

With n voters in the electorate at creation and f = floor(tolerance*n),
creation requires n >= 3f+1. A proposal is

  - Approved once accepts >= ceil(q*n) and accepts > f
  - Rejected once accepts plus uncast votes cannot reach max(ceil(q*n), f+1)
  - TimedOut when its deadline passes in neither state

A conditional vote counts as accept only while every one of its conditions
holds; otherwise it counts as abstain.

# Execution

An approved proposal is turned into a Plan by the Executor, the affected
state is snapshotted and the steps run in order. A failing step rolls the
state back to the snapshot; the result stays Approved and carries an error
wrapping ErrExecutionFailure.
*/
package consensus
