// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package wrappers provides common wrapper types and utilities.
package wrappers

import "errors"

// Errs collects errors during a series of operations. Err is the first
// non-nil error recorded; All keeps every one of them.
type Errs struct {
	Err error
	all []error
}

// Errored returns true if an error has been recorded.
func (errs *Errs) Errored() bool {
	return errs.Err != nil
}

// Add records every non-nil error, remembering the first one in Err.
func (errs *Errs) Add(errors ...error) {
	for _, err := range errors {
		if err == nil {
			continue
		}
		if errs.Err == nil {
			errs.Err = err
		}
		errs.all = append(errs.all, err)
	}
}

// Joined returns all recorded errors joined, or nil.
func (errs *Errs) Joined() error {
	return errors.Join(errs.all...)
}

// Len returns the number of recorded errors.
func (errs *Errs) Len() int {
	return len(errs.all)
}
