package driver

import (
	"context"
	"fmt"
	"sync"
)

// slot holds the result of one pool input. done is false for inputs that were
// never dispatched because the context ended first.
type slot[Out any] struct {
	value Out
	done  bool
}

// runPool applies fn to every input using at most workers goroutines and
// returns the results in input order. Once ctx is done no further inputs are
// dispatched, but work already handed to a worker runs to completion.
func runPool[In, Out any](ctx context.Context, workers int, inputs []In, fn func(ctx context.Context, worker int, in In) Out) []slot[Out] {
	results := make([]slot[Out], len(inputs))
	if len(inputs) == 0 {
		return results
	}
	if workers <= 0 {
		workers = 1
	}
	if workers > len(inputs) {
		workers = len(inputs)
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := range jobs {
				results[i] = slot[Out]{value: fn(ctx, worker, inputs[i]), done: true}
			}
		}(w)
	}

dispatch:
	for i := range inputs {
		if ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
			break dispatch
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()
	return results
}

func workerName(id int) string {
	return fmt.Sprintf("worker-%d", id)
}
