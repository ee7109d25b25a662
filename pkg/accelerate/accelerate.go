// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package accelerate abstracts the processes taking part in a training run: how many there are, which one is
// the current process, and the collective operations (gather and barrier) used to aggregate evaluation metrics.
//
// Local is the single process implementation. NewGroup creates a group of in-process workers, each running
// in its own goroutine, which behave like separate processes sharing the work.
package accelerate

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Accelerator is implemented by each process of a training run.
//
// Collective operations (GatherInts, GatherFloats, Barrier) must be called by every process, in the same order.
type Accelerator interface {
	// NumProcesses returns the number of processes of the run.
	NumProcesses() int

	// ProcessIndex returns the index of this process, from 0 to NumProcesses()-1.
	ProcessIndex() int

	// IsMainProcess returns whether this is the process that logs, reports metrics and writes checkpoints.
	IsMainProcess() bool

	// GatherInts concatenates the values of all processes, in process order.
	GatherInts(ctx context.Context, values []int) ([]int, error)

	// GatherFloats concatenates the values of all processes, in process order.
	GatherFloats(ctx context.Context, values []float64) ([]float64, error)

	// Barrier waits for all processes to reach it.
	Barrier(ctx context.Context) error
}

// Local is the Accelerator of a run with only one process.
type Local struct{}

var _ Accelerator = Local{}

// NumProcesses implements Accelerator.
func (Local) NumProcesses() int { return 1 }

// ProcessIndex implements Accelerator.
func (Local) ProcessIndex() int { return 0 }

// IsMainProcess implements Accelerator.
func (Local) IsMainProcess() bool { return true }

// GatherInts implements Accelerator.
func (Local) GatherInts(_ context.Context, values []int) ([]int, error) {
	return append([]int(nil), values...), nil
}

// GatherFloats implements Accelerator.
func (Local) GatherFloats(_ context.Context, values []float64) ([]float64, error) {
	return append([]float64(nil), values...), nil
}

// Barrier implements Accelerator.
func (Local) Barrier(context.Context) error { return nil }

// round is one collective operation of a group: it completes when all workers have contributed their values.
type round struct {
	values  []any
	arrived int
	done    chan struct{}
}

func newRound(numWorkers int) *round {
	return &round{values: make([]any, numWorkers), done: make(chan struct{})}
}

// group holds the state shared by the workers of NewGroup.
type group struct {
	mu      sync.Mutex
	size    int
	current *round
}

// exchange contributes value to the current round and waits for the other workers.
// It returns the values of all workers, indexed by worker.
func (g *group) exchange(ctx context.Context, index int, value any) ([]any, error) {
	g.mu.Lock()
	r := g.current
	r.values[index] = value
	r.arrived++
	if r.arrived == g.size {
		close(r.done)
		g.current = newRound(g.size)
	}
	g.mu.Unlock()

	select {
	case <-r.done:
		return r.values, nil
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "worker %d of %d interrupted waiting for the other workers", index, g.size)
	}
}

// Worker is one member of a group of in-process workers created with NewGroup.
type Worker struct {
	group *group
	index int
}

var _ Accelerator = (*Worker)(nil)

// NewGroup creates numWorkers workers that share collective operations. Each worker should be used by
// its own goroutine.
func NewGroup(numWorkers int) ([]*Worker, error) {
	if numWorkers <= 0 {
		return nil, errors.Errorf("invalid number of workers %d", numWorkers)
	}
	g := &group{size: numWorkers, current: newRound(numWorkers)}
	workers := make([]*Worker, numWorkers)
	for ii := range workers {
		workers[ii] = &Worker{group: g, index: ii}
	}
	return workers, nil
}

// NumProcesses implements Accelerator.
func (w *Worker) NumProcesses() int { return w.group.size }

// ProcessIndex implements Accelerator.
func (w *Worker) ProcessIndex() int { return w.index }

// IsMainProcess implements Accelerator.
func (w *Worker) IsMainProcess() bool { return w.index == 0 }

// GatherInts implements Accelerator.
func (w *Worker) GatherInts(ctx context.Context, values []int) ([]int, error) {
	return gather(ctx, w, values)
}

// GatherFloats implements Accelerator.
func (w *Worker) GatherFloats(ctx context.Context, values []float64) ([]float64, error) {
	return gather(ctx, w, values)
}

// Barrier implements Accelerator.
func (w *Worker) Barrier(ctx context.Context) error {
	_, err := w.group.exchange(ctx, w.index, nil)
	return err
}

func gather[T any](ctx context.Context, w *Worker, values []T) ([]T, error) {
	all, err := w.group.exchange(ctx, w.index, values)
	if err != nil {
		return nil, err
	}
	var result []T
	for ii, value := range all {
		workerValues, ok := value.([]T)
		if !ok && value != nil {
			return nil, errors.Errorf("worker %d gathered %T from worker %d, collective operations out of order",
				w.index, value, ii)
		}
		result = append(result, workerValues...)
	}
	return result, nil
}

// Run calls fn once per worker of a new group of numWorkers, each in its own goroutine, and waits for all
// of them to finish. It returns the first error, if any. If any worker fails, the context passed to the
// others is cancelled, so they don't block on collective operations.
func Run(ctx context.Context, numWorkers int, fn func(ctx context.Context, acc Accelerator) error) error {
	workers, err := NewGroup(numWorkers)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	errs := make([]error, numWorkers)
	for ii, worker := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx, worker); err != nil {
				errs[ii] = errors.WithMessagef(err, "worker %d", ii)
				cancel()
			}
		}()
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
