// Package wave decides when a host may adopt a release under a staged rollout.
//
// A host's seed places it at a fixed position in the rollout percentage space. Each wave entry
// opens the release to every host below its cumulative percentage once its offset from the
// release start has elapsed.
package wave

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
)

// MaxSeed is the exclusive upper bound of host seeds.
const MaxSeed = 2048

// Entry opens a release to Percentage percent of hosts once Offset has elapsed since the start.
type Entry struct {
	Offset     time.Duration
	Percentage float64
}

type entryJSON struct {
	Offset     string  `json:"offset"`
	Percentage float64 `json:"percentage"`
}

func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal(entryJSON{Offset: e.Offset.String(), Percentage: e.Percentage})
}

func (e *Entry) UnmarshalJSON(b []byte) error {
	var raw entryJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	offset, err := time.ParseDuration(raw.Offset)
	if err != nil {
		return fmt.Errorf("invalid wave offset %q: %w", raw.Offset, err)
	}
	e.Offset = offset
	e.Percentage = raw.Percentage
	return nil
}

// Schedule is the rollout plan of a single release.
type Schedule struct {
	Start   time.Time `json:"start"`
	Entries []Entry   `json:"waves,omitempty"`
}

// Validate checks that offsets strictly increase and percentages never decrease within (0, 100].
func (s Schedule) Validate() error {
	var errs *multierror.Error
	for i, e := range s.Entries {
		if e.Percentage <= 0 || e.Percentage > 100 {
			errs = multierror.Append(errs, fmt.Errorf("wave %d: percentage %v out of range (0, 100]", i, e.Percentage))
		}
		if e.Offset < 0 {
			errs = multierror.Append(errs, fmt.Errorf("wave %d: negative offset %s", i, e.Offset))
		}
		if i == 0 {
			continue
		}
		prev := s.Entries[i-1]
		if e.Offset <= prev.Offset {
			errs = multierror.Append(errs, fmt.Errorf("wave %d: offset %s does not follow %s", i, e.Offset, prev.Offset))
		}
		if e.Percentage < prev.Percentage {
			errs = multierror.Append(errs, fmt.Errorf("wave %d: percentage %v below previous %v", i, e.Percentage, prev.Percentage))
		}
	}
	return errs.ErrorOrNil()
}

// Position maps a seed onto the rollout percentage space.
func Position(seed uint32) float64 {
	return float64(seed) / MaxSeed * 100
}

// EligibleAt returns the instant a host with seed becomes eligible. Hosts above the last entry's
// percentage belong to the last wave.
func EligibleAt(seed uint32, entries []Entry, start time.Time) time.Time {
	if len(entries) == 0 {
		return start
	}
	p := Position(seed)
	for _, e := range entries {
		if e.Percentage >= p {
			return start.Add(e.Offset)
		}
	}
	return start.Add(entries[len(entries)-1].Offset)
}

// IsEligible reports whether a host with seed may adopt a release at now.
func IsEligible(seed uint32, entries []Entry, start, now time.Time) bool {
	return !now.Before(EligibleAt(seed, entries, start))
}

// Evaluator evaluates schedules for one host.
type Evaluator struct {
	Seed        uint32
	IgnoreWaves bool
}

// NewEvaluator returns an evaluator for seed, which must be below MaxSeed.
func NewEvaluator(seed uint32, ignoreWaves bool) (*Evaluator, error) {
	if seed >= MaxSeed {
		return nil, fmt.Errorf("seed %d out of range [0, %d)", seed, MaxSeed)
	}
	return &Evaluator{Seed: seed, IgnoreWaves: ignoreWaves}, nil
}

// Eligible reports whether the host may adopt a release scheduled by s at now.
func (e *Evaluator) Eligible(s Schedule, now time.Time) bool {
	if e.IgnoreWaves {
		return true
	}
	return IsEligible(e.Seed, s.Entries, s.Start, now)
}

// When returns the instant the host becomes eligible under s.
func (e *Evaluator) When(s Schedule) time.Time {
	if e.IgnoreWaves {
		return s.Start
	}
	return EligibleAt(e.Seed, s.Entries, s.Start)
}
