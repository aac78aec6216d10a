// Package planner computes which worker account acts on which target in a
// batch operation.
package planner

import (
	"errors"
	"fmt"

	"pacebot/internal/model"
)

var (
	ErrNoWorkers       = errors.New("no worker accounts")
	ErrNoTargets       = errors.New("no targets")
	ErrDuplicateInput  = errors.New("duplicate worker or target")
	ErrUnknownStrategy = errors.New("unknown distribution strategy")
)

type Assignment struct {
	Worker string `json:"worker"`
	Target string `json:"target"`
}

// Distribution is a computed assignment matrix.
type Distribution struct {
	Strategy    model.Strategy `json:"strategy"`
	Assignments []Assignment   `json:"assignments"`
	// CrossProduct is |workers| x |targets|, the size of the candidate space.
	CrossProduct int `json:"cross_product"`
}

// Plan builds a deterministic distribution.
//
// SHARED pairs every worker with every target, in worker-major order.
// UNIQUE emits max(W, T) pairs, pair i being (workers[i%W], targets[i%T]),
// so no pair repeats and load is balanced to within one.
// perWorkerCap > 0 truncates each worker's list.
func Plan(workers, targets []string, strategy model.Strategy, perWorkerCap int) (Distribution, error) {
	if len(workers) == 0 {
		return Distribution{}, ErrNoWorkers
	}
	if len(targets) == 0 {
		return Distribution{}, ErrNoTargets
	}
	if err := distinct(workers); err != nil {
		return Distribution{}, err
	}
	if err := distinct(targets); err != nil {
		return Distribution{}, err
	}
	if strategy == "" {
		strategy = model.StrategyShared
	}

	w, t := len(workers), len(targets)
	d := Distribution{Strategy: strategy, CrossProduct: w * t}
	perWorker := make(map[string]int, w)
	add := func(a Assignment) {
		if perWorkerCap > 0 && perWorker[a.Worker] >= perWorkerCap {
			return
		}
		perWorker[a.Worker]++
		d.Assignments = append(d.Assignments, a)
	}

	switch strategy {
	case model.StrategyShared:
		for _, wk := range workers {
			for _, tg := range targets {
				add(Assignment{Worker: wk, Target: tg})
			}
		}
	case model.StrategyUnique:
		n := max(w, t)
		for i := 0; i < n; i++ {
			add(Assignment{Worker: workers[i%w], Target: targets[i%t]})
		}
	default:
		return Distribution{}, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
	return d, nil
}

// ByWorker groups targets per worker, preserving plan order.
func (d Distribution) ByWorker() map[string][]string {
	out := map[string][]string{}
	for _, a := range d.Assignments {
		out[a.Worker] = append(out[a.Worker], a.Target)
	}
	return out
}

// ByTarget groups workers per target, preserving plan order.
func (d Distribution) ByTarget() map[string][]string {
	out := map[string][]string{}
	for _, a := range d.Assignments {
		out[a.Target] = append(out[a.Target], a.Worker)
	}
	return out
}

func distinct(ids []string) error {
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			return fmt.Errorf("%w: %q", ErrDuplicateInput, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}
