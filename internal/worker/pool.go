package worker

import (
	"context"
	"sync"
)

// Job is one unit of work, such as an enrichment call or a file run
type Job interface {
	Execute(ctx context.Context) Result
}

// Result is what a Job hands back
type Result interface {
	GetError() error
}

// Pool runs jobs on a fixed number of goroutines
type Pool struct {
	workers int
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewPool creates a pool bound to ctx. A non-positive worker count means one worker.
func NewPool(ctx context.Context, workers int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Pool{workers: workers, ctx: ctx, cancel: cancel}
}

// Workers returns the effective number of workers
func (p *Pool) Workers() int {
	return p.workers
}

// Run executes every job and returns the results in completion order.
// Jobs not picked up before ctx is cancelled yield no result, so callers
// that need one result per job must match results back themselves.
// A Pool is single use.
func (p *Pool) Run(jobs []Job) []Result {
	defer p.cancel()

	queue := make(chan Job)
	results := make(chan Result, p.workers)

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.work(queue, results)
		}()
	}

	go func() {
		defer close(queue)
		for _, job := range jobs {
			select {
			case queue <- job:
			case <-p.ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	out := make([]Result, 0, len(jobs))
	for r := range results {
		out = append(out, r)
	}
	return out
}

func (p *Pool) work(queue <-chan Job, results chan<- Result) {
	for job := range queue {
		if p.ctx.Err() != nil {
			continue
		}
		// Results are always delivered: Run drains until every worker exits
		results <- job.Execute(p.ctx)
	}
}
