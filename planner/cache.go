// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package planner

import (
	"encoding/binary"
	"encoding/json"

	"github.com/spaolacci/murmur3"
)

// cacheKey hashes req together with the index generation, so any committed
// mutation invalidates earlier plans.
func (p *Planner) cacheKey(req Request) (uint64, bool) {
	if p.cache == nil {
		return 0, false
	}
	b, err := json.Marshal(req)
	if err != nil {
		return 0, false
	}
	b = binary.BigEndian.AppendUint64(b, p.index.Generation())
	return murmur3.Sum64(b), true
}
