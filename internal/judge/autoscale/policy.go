// Package autoscale sizes worker pools from observed queue depth.
package autoscale

import (
	"fmt"
	"sort"
)

// Step adds Delta workers once depth reaches Threshold. The largest matching step wins.
type Step struct {
	Threshold int64 `yaml:"threshold"`
	Delta     int   `yaml:"delta"`
}

// Policy is a step function from queue depth to a pool size change.
// An empty queue shrinks the pool by one.
type Policy struct {
	Min   int    `yaml:"min"`
	Max   int    `yaml:"max"`
	Steps []Step `yaml:"steps"`
}

// DefaultPolicy scales between 1 and 5 workers: +1 at depth 5, +2 at depth 20.
func DefaultPolicy() Policy {
	return Policy{
		Min: 1,
		Max: 5,
		Steps: []Step{
			{Threshold: 5, Delta: 1},
			{Threshold: 20, Delta: 2},
		},
	}
}

// Validate checks bounds and steps.
func (p Policy) Validate() error {
	if p.Min < 1 {
		return fmt.Errorf("min capacity must be at least 1, got %d", p.Min)
	}
	if p.Max < p.Min {
		return fmt.Errorf("max capacity %d is below min %d", p.Max, p.Min)
	}
	for _, s := range p.Steps {
		if s.Threshold <= 0 || s.Delta <= 0 {
			return fmt.Errorf("scaling step %+v must have positive threshold and delta", s)
		}
	}
	return nil
}

// Delta returns how many workers to add (or remove, when negative) for a pool of size
// current seeing depth waiting messages. current+Delta always lies within [Min, Max].
func (p Policy) Delta(depth int64, current int) int {
	change := 0
	if depth == 0 {
		change = -1
	} else {
		steps := append([]Step(nil), p.Steps...)
		sort.Slice(steps, func(i, j int) bool { return steps[i].Threshold < steps[j].Threshold })
		for _, s := range steps {
			if depth >= s.Threshold {
				change = s.Delta
			}
		}
	}
	target := current + change
	if target < p.Min {
		target = p.Min
	}
	if target > p.Max {
		target = p.Max
	}
	return target - current
}
