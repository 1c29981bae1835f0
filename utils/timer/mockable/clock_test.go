// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package mockable

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClockSetAdvance(t *testing.T) {
	require := require.New(t)

	var c Clock
	start := time.Unix(1_700_000_000, 0)
	c.Set(start)
	require.Equal(start, c.Time())

	require.Equal(start.Add(time.Second), c.Advance(time.Second))

	c.Sync()
	require.WithinDuration(time.Now(), c.Time(), time.Second)
}
