package sfu

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Worker is a lifecycle scope for the rooms assigned to it. Producer forward
// loops run under the worker's context, so stopping a worker stops its rooms'
// media.
type Worker struct {
	id     int
	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger
}

func (w *Worker) ID() int                  { return w.id }
func (w *Worker) Context() context.Context { return w.ctx }

type WorkerPool struct {
	workers []*Worker
	next    atomic.Uint32
}

// NewWorkerPool creates a fixed pool of n workers under parent. n is clamped
// to at least one.
func NewWorkerPool(parent context.Context, n int) *WorkerPool {
	if n < 1 {
		n = 1
	}
	p := &WorkerPool{workers: make([]*Worker, 0, n)}
	for i := 0; i < n; i++ {
		ctx, cancel := context.WithCancel(parent)
		p.workers = append(p.workers, &Worker{
			id:     i,
			ctx:    ctx,
			cancel: cancel,
			log:    log.With().Str("module", "sfu.worker").Int("worker", i).Logger(),
		})
	}
	log.Info().Str("module", "sfu.worker").Int("count", n).Msg("worker pool created")
	return p
}

// Next returns the next worker in round-robin order.
func (p *WorkerPool) Next() *Worker {
	i := p.next.Add(1) - 1
	return p.workers[int(i)%len(p.workers)]
}

func (p *WorkerPool) Size() int { return len(p.workers) }

func (p *WorkerPool) Close() {
	for _, w := range p.workers {
		w.cancel()
	}
}
