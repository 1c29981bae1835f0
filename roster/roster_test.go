// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package roster

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRosterAddGet(t *testing.T) {
	require := require.New(t)

	r := New()
	require.NoError(r.Add(Agent{ID: "b", TrustLevel: 0.5, SpatialPriority: 2}))
	require.NoError(r.Add(Agent{ID: "a", TrustLevel: 0.9, SpatialPriority: 5, Capabilities: []string{"lift"}}))
	require.ErrorIs(r.Add(Agent{ID: "a"}), ErrDuplicate)
	require.ErrorIs(r.Add(Agent{ID: ""}), ErrInvalidAgent)
	require.ErrorIs(r.Add(Agent{ID: "c", TrustLevel: 2}), ErrInvalidAgent)

	require.Equal(2, r.Size())
	a, ok := r.Get("a")
	require.True(ok)
	require.True(a.HasCapability("lift"))

	list := r.List()
	require.Len(list, 2)
	require.Equal("a", list[0].ID)
	require.Equal("b", list[1].ID)

	require.NoError(r.Remove("b"))
	require.ErrorIs(r.Remove("b"), ErrUnknownAgent)
}

func TestAgentOutranks(t *testing.T) {
	require := require.New(t)

	high := Agent{ID: "h", SpatialPriority: 5, TrustLevel: 0.1}
	low := Agent{ID: "l", SpatialPriority: 2, TrustLevel: 0.9}
	require.True(high.Outranks(low))
	require.False(low.Outranks(high))

	trusted := Agent{ID: "t", SpatialPriority: 2, TrustLevel: 0.95}
	require.True(trusted.Outranks(low))
	require.False(low.Outranks(low))
}

func TestKeyringSignVerify(t *testing.T) {
	require := require.New(t)

	k := NewKeyring()
	require.NoError(k.Generate("alice"))

	sig, err := k.Sign("alice", []byte("payload"))
	require.NoError(err)
	require.True(k.Verify("alice", []byte("payload"), sig))
	require.False(k.Verify("alice", []byte("tampered"), sig))
	require.False(k.Verify("bob", []byte("payload"), sig))

	_, err = k.Sign("bob", []byte("payload"))
	require.ErrorIs(err, ErrUnknownAgent)
}
