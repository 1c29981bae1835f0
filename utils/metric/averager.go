// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package utilmetric

import (
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/luxfi/spatial/utils/wrappers"
)

var ErrFailedRegistering = errors.New("failed registering metric")

// Averager tracks the count and sum of observations, exposed as a
// <name>_count counter and a <name>_sum gauge.
type Averager interface {
	Observe(float64)
	// Mean returns the average of all observations, 0 if there are none.
	Mean() float64
}

type averager struct {
	count prometheus.Counter
	sum   prometheus.Gauge

	mu    sync.Mutex
	n     uint64
	total float64
}

func NewAverager(namespace, name, desc string, reg prometheus.Registerer) (Averager, error) {
	errs := wrappers.Errs{}
	a := NewAveragerWithErrs(namespace, name, desc, reg, &errs)
	return a, errs.Err
}

func NewAveragerWithErrs(namespace, name, desc string, reg prometheus.Registerer, errs *wrappers.Errs) Averager {
	a := &averager{
		count: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      AppendNamespace(name, "count"),
			Help:      "Total # of observations of " + desc,
		}),
		sum: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      AppendNamespace(name, "sum"),
			Help:      "Sum of " + desc,
		}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{a.count, a.sum} {
			if err := reg.Register(c); err != nil {
				errs.Add(fmt.Errorf("%w: %s: %w", ErrFailedRegistering, name, err))
			}
		}
	}
	return a
}

func (a *averager) Observe(v float64) {
	a.count.Inc()
	a.sum.Add(v)

	a.mu.Lock()
	a.n++
	a.total += v
	a.mu.Unlock()
}

func (a *averager) Mean() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.n == 0 {
		return 0
	}
	return a.total / float64(a.n)
}

// AppendNamespace joins a namespace and a name with an underscore.
func AppendNamespace(prefix, suffix string) string {
	switch {
	case len(prefix) == 0:
		return suffix
	case len(suffix) == 0:
		return prefix
	default:
		return prefix + "_" + suffix
	}
}
