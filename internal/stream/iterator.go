// Package stream implements the prefetching read pipeline: one background
// worker pushes mapped rows into a bounded handoff buffer while the consumer
// drains them in batches, running enrichment once per batch.
package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/avolkhin/taskcore/internal/model"
)

// ErrExhausted is returned by Next after HasNext reported false.
var ErrExhausted = errors.New("iterator exhausted")

// Record is one streamed result row plus its enrichment payloads.
type Record struct {
	Task      model.Task
	Tombstone bool

	Participants     []model.Participant
	ReminderSet      bool
	NewestAttachment time.Time
}

// Source runs the underlying query and emits mapped records in query order.
// It is executed once, on the worker goroutine.
type Source func(ctx context.Context, emit func(*Record) error) error

// Enricher mutates a whole batch of records in one pass, amortizing the
// per-batch cost over its records.
type Enricher struct {
	Name  string
	Apply func(ctx context.Context, batch []*Record) error
}

const (
	defaultBufferCap = 256
	defaultMinBatch  = 32
)

// Iterator streams records from a background worker. Work starts on the
// explicit Start call, not in the constructor, so lifetime is the caller's.
//
// One mutex guards all state; batchReady wakes consumers, activity wakes the
// producer. No nested locks cross the producer/consumer boundary.
type Iterator struct {
	source    Source
	enrichers []Enricher
	log       *zap.Logger

	mu         sync.Mutex
	batchReady *sync.Cond
	activity   *sync.Cond

	buf      []*Record
	finished bool
	failed   error
	closed   bool
	started  bool
	done     chan struct{}

	batch       []*Record
	pos         int
	errSurfaced bool

	bufferCap int
	minBatch  int
}

// New constructs an iterator over source. Enrichment steps run in the given
// order, once per drained batch.
func New(source Source, enrichers []Enricher, log *zap.Logger) *Iterator {
	it := &Iterator{
		source:    source,
		enrichers: enrichers,
		log:       log,
		done:      make(chan struct{}),
		bufferCap: defaultBufferCap,
		minBatch:  defaultMinBatch,
	}
	it.batchReady = sync.NewCond(&it.mu)
	it.activity = sync.NewCond(&it.mu)
	return it
}

// Start launches the worker. Subsequent calls are no-ops.
func (it *Iterator) Start(ctx context.Context) {
	it.mu.Lock()
	if it.started {
		it.mu.Unlock()
		return
	}
	it.started = true
	it.mu.Unlock()
	go it.run(ctx)
}

func (it *Iterator) run(ctx context.Context) {
	seen := make(map[uuid.UUID]struct{})
	err := it.source(ctx, func(rec *Record) error {
		// The folder join can fan out; suppress duplicate identifiers before
		// offering.
		if _, dup := seen[rec.Task.ObjectID]; dup {
			return nil
		}
		seen[rec.Task.ObjectID] = struct{}{}
		return it.offer(rec)
	})

	it.mu.Lock()
	it.finished = true
	it.failed = err
	it.batchReady.Broadcast()
	it.activity.Broadcast()
	it.mu.Unlock()
	if err != nil {
		it.log.Warn("stream worker failed", zap.Error(err))
	}
	close(it.done)
}

// offer hands one record to the consumer side, blocking while the buffer is
// full. After Close the worker keeps running but records are discarded.
func (it *Iterator) offer(rec *Record) error {
	it.mu.Lock()
	defer it.mu.Unlock()
	for len(it.buf) >= it.bufferCap && !it.closed {
		it.activity.Wait()
	}
	if it.closed {
		return nil
	}
	it.buf = append(it.buf, rec)
	it.batchReady.Broadcast()
	return nil
}

// HasNext blocks until a record is available or the worker finished. It
// reports true when a deferred worker error is still to be surfaced by Next.
func (it *Iterator) HasNext() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.pos < len(it.batch) {
		return true
	}
	for len(it.buf) == 0 && !it.finished {
		it.batchReady.Wait()
	}
	if len(it.buf) > 0 {
		return true
	}
	return it.failed != nil && !it.errSurfaced
}

// Next returns the next record. When the served batch is exhausted it drains
// the worker's entire backlog in one take, waiting for a minimum batch size
// first if enrichment was requested, then enriches the batch once and
// serves from it.
func (it *Iterator) Next(ctx context.Context) (*Record, error) {
	it.mu.Lock()
	if it.pos < len(it.batch) {
		rec := it.batch[it.pos]
		it.pos++
		it.mu.Unlock()
		return rec, nil
	}

	need := 1
	if len(it.enrichers) > 0 {
		need = it.minBatch
	}
	for len(it.buf) < need && !it.finished {
		it.batchReady.Wait()
	}
	if len(it.buf) == 0 {
		defer it.mu.Unlock()
		if it.failed != nil && !it.errSurfaced {
			it.errSurfaced = true
			return nil, it.failed
		}
		return nil, ErrExhausted
	}

	batch := it.buf
	it.buf = nil
	it.activity.Broadcast()
	it.mu.Unlock()

	// Enrichment order is fixed per request; every step sees the whole batch
	// before any record reaches the caller.
	for _, e := range it.enrichers {
		if err := e.Apply(ctx, batch); err != nil {
			return nil, err
		}
	}

	it.mu.Lock()
	it.batch = batch
	it.pos = 1
	it.mu.Unlock()
	return batch[0], nil
}

// Close waits for the worker to finish so the underlying connection does not
// outlive the consumer, and returns any worker error not yet surfaced.
func (it *Iterator) Close() error {
	it.mu.Lock()
	alreadyClosed := it.closed
	it.closed = true
	started := it.started
	it.activity.Broadcast()
	it.batchReady.Broadcast()
	it.mu.Unlock()

	if !started {
		return nil
	}
	<-it.done
	if alreadyClosed {
		return nil
	}

	it.mu.Lock()
	defer it.mu.Unlock()
	if it.failed != nil && !it.errSurfaced {
		it.errSurfaced = true
		return it.failed
	}
	return nil
}
