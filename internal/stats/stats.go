/*
   stats calculates running statistics for watched values
   (derived from chanstats in practable/relay)
   Copyright (C) 2019 Timothy Drysdale <timothy.d.drysdale@gmail.com>
   Copyright (C) 2026 The pricewatch authors

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU Affero General Public License as
   published by the Free Software Foundation, either version 3 of the
   License, or (at your option) any later version.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU Affero General Public License for more details.

   You should have received a copy of the GNU Affero General Public License
   along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package stats

import (
	"sync"
	"time"

	"github.com/eclesh/welford"
)

// Stats records what a watcher has produced and delivered.
// It is safe for concurrent use.
type Stats struct {
	mu sync.Mutex

	StartedAt time.Time

	// Last is when the last value was produced
	Last time.Time

	// Dt is the interval between values, in seconds
	Dt *welford.Stats

	// Audience is the number of subscribers each value went to
	Audience *welford.Stats

	// Empty counts values skipped as empty or unparseable
	Empty uint64

	// Failures counts recoverable fetch errors
	Failures uint64

	// Dropped counts deliveries that failed
	Dropped uint64
}

// Report represents statistics in a form we can marshal
type Report struct {
	Started  string       `json:"started"`
	Last     string       `json:"last"` //how long ago
	Dt       WelfordStats `json:"dt"`
	Audience WelfordStats `json:"audience"`
	Empty    uint64       `json:"empty"`
	Failures uint64       `json:"failures"`
	Dropped  uint64       `json:"dropped"`
}

// WelfordStats represents statistical values
type WelfordStats struct {
	Count    uint64  `json:"count"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Mean     float64 `json:"mean"`
	Stddev   float64 `json:"stddev"`
	Variance float64 `json:"variance"`
}

// New returns a pointer to new Stats with statistics initialised
func New() *Stats {
	return &Stats{
		StartedAt: time.Now(),
		Dt:        welford.New(),
		Audience:  welford.New(),
	}
}

// Value records a value produced at t and delivered to audience subscribers
func (s *Stats) Value(t time.Time, audience int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Last.IsZero() {
		s.Dt.Add(t.Sub(s.Last).Seconds())
	}
	s.Last = t
	s.Audience.Add(float64(audience))
}

// EmptyValue records a skipped value
func (s *Stats) EmptyValue() {
	s.mu.Lock()
	s.Empty++
	s.mu.Unlock()
}

// Failure records a recoverable fetch error
func (s *Stats) Failure() {
	s.mu.Lock()
	s.Failures++
	s.mu.Unlock()
}

// Drop records a failed delivery
func (s *Stats) Drop() {
	s.mu.Lock()
	s.Dropped++
	s.mu.Unlock()
}

// Count returns the number of values produced
func (s *Stats) Count() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Audience.Count()
}

// NewReport returns a snapshot of s
func (s *Stats) NewReport() *Report {
	s.mu.Lock()
	defer s.mu.Unlock()

	last := "never"
	if !s.Last.IsZero() {
		last = time.Since(s.Last).String()
	}

	return &Report{
		Started:  s.StartedAt.String(),
		Last:     last,
		Dt:       *NewWelford(s.Dt),
		Audience: *NewWelford(s.Audience),
		Empty:    s.Empty,
		Failures: s.Failures,
		Dropped:  s.Dropped,
	}
}

// NewWelford copies the values out of w
func NewWelford(w *welford.Stats) *WelfordStats {
	return &WelfordStats{
		Count:    w.Count(),
		Min:      w.Min(),
		Max:      w.Max(),
		Mean:     w.Mean(),
		Stddev:   w.Stddev(),
		Variance: w.Variance(),
	}
}
