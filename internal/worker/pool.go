// Package worker runs queued turns on a fixed set of executors. The queue is
// a bounded FIFO of turn ids; ingress gets an immediate error when it fills
// instead of blocking the HTTP handler.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"

	"github.com/antoniostano/margaux/internal/observability"
	"github.com/antoniostano/margaux/internal/reliability"
	"github.com/antoniostano/margaux/internal/turn"
)

// ErrQueueFull is returned by Enqueue when the queue is at capacity.
var ErrQueueFull = errors.New("worker queue is full")

// Processor drives one turn to a terminal state.
type Processor interface {
	Process(ctx context.Context, t *turn.Turn) error
}

type Pool struct {
	processor   Processor
	store       *turn.Store
	metrics     *observability.Metrics
	concurrency int

	queue  chan string
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPool(processor Processor, store *turn.Store, metrics *observability.Metrics, concurrency, queueCapacity int) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	if queueCapacity <= 0 {
		queueCapacity = 1024
	}
	return &Pool{
		processor:   processor,
		store:       store,
		metrics:     metrics,
		concurrency: concurrency,
		queue:       make(chan string, queueCapacity),
	}
}

// Start launches the executors. It is called once at boot.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
	log.Printf("worker: started %d executor(s), queue capacity %d", p.concurrency, cap(p.queue))
}

// Enqueue hands a turn id to the pool without blocking.
func (p *Pool) Enqueue(turnID string) error {
	select {
	case p.queue <- turnID:
		if p.metrics != nil {
			p.metrics.QueueDepth.Set(float64(len(p.queue)))
		}
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop interrupts idle waits and lets in-flight turns finish.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case turnID := <-p.queue:
			if p.metrics != nil {
				p.metrics.QueueDepth.Set(float64(len(p.queue)))
			}
			p.execute(ctx, turnID)
		}
	}
}

// execute runs one turn with panic recovery so a crashing pipeline stage
// fails the turn instead of killing the executor.
func (p *Pool) execute(ctx context.Context, turnID string) {
	t := p.store.Get(turnID)
	if t == nil {
		log.Printf("worker: dropping unknown turn %s", turnID)
		return
	}
	if t.Status.Terminal() {
		log.Printf("worker: skipping terminal turn %s (%s)", turnID, t.Status)
		return
	}

	if p.metrics != nil {
		p.metrics.BusyExecutors.Inc()
		defer p.metrics.BusyExecutors.Dec()
	}

	err := p.safeProcess(ctx, t)
	if err != nil {
		stage, kind := reliability.Classify(err)
		log.Printf("worker: turn %s failed at %s (%s): %v", turnID, stage, kind, err)
		if p.metrics != nil {
			p.metrics.TurnFailures.WithLabelValues(stage, string(kind)).Inc()
			p.metrics.TurnsCompleted.WithLabelValues(string(turn.StatusError)).Inc()
		}
		return
	}
	if p.metrics != nil {
		p.metrics.TurnsCompleted.WithLabelValues(string(turn.StatusDone)).Inc()
	}
}

func (p *Pool) safeProcess(ctx context.Context, t *turn.Turn) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline panic: %v", r)
			log.Printf("worker: panic on turn %s: %v\n%s", t.ID, r, debug.Stack())
			t.Fail(err.Error())
			p.store.Put(t)
		}
	}()
	return p.processor.Process(ctx, t)
}
