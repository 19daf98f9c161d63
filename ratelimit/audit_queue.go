// Copyright 2025 Suprema
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"suprema/gateway/shared/logger"
)

// AuditSink receives audit events from the decision engine.
type AuditSink interface {
	Enqueue(ev AuditEvent)
}

// AuditQueue persists audit events asynchronously through a bounded
// channel. When the queue is full the oldest pending event is dropped;
// loss under overload is acceptable and never affects a verdict.
type AuditQueue struct {
	store PolicyStore
	queue chan AuditEvent
	wg    sync.WaitGroup
	log   *logger.Logger

	written uint64
	failed  uint64
	dropped uint64
}

// NewAuditQueue starts an audit queue with the given capacity and
// worker count.
func NewAuditQueue(store PolicyStore, size, workers int) *AuditQueue {
	q := &AuditQueue{
		store: store,
		queue: make(chan AuditEvent, size),
		log:   logger.New("audit-queue"),
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// Enqueue queues an event for persistence. When the queue is full the
// oldest pending event is evicted to make room; if a concurrent
// producer wins the freed slot the incoming event is dropped instead.
// Either way exactly one event is lost and Enqueue never blocks.
func (q *AuditQueue) Enqueue(ev AuditEvent) {
	select {
	case q.queue <- ev:
		return
	default:
	}
	select {
	case <-q.queue:
		atomic.AddUint64(&q.dropped, 1)
	default:
	}
	select {
	case q.queue <- ev:
	default:
		atomic.AddUint64(&q.dropped, 1)
	}
}

func (q *AuditQueue) worker() {
	defer q.wg.Done()
	for ev := range q.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := q.store.AppendEvent(ctx, ev)
		cancel()
		if err != nil {
			atomic.AddUint64(&q.failed, 1)
			q.log.Warn(ev.Username, ev.Endpoint, "audit write failed, event dropped",
				map[string]interface{}{"error": err.Error(), "rule_source": ev.RuleSource})
			continue
		}
		atomic.AddUint64(&q.written, 1)
	}
}

// Shutdown stops accepting events and waits for the workers to drain
// the queue, or until ctx expires.
func (q *AuditQueue) Shutdown(ctx context.Context) error {
	close(q.queue)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.log.Info("", "", "audit queue shutdown complete", q.Stats())
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns queue counters for the runtime metrics endpoint.
func (q *AuditQueue) Stats() map[string]interface{} {
	return map[string]interface{}{
		"written": atomic.LoadUint64(&q.written),
		"failed":  atomic.LoadUint64(&q.failed),
		"dropped": atomic.LoadUint64(&q.dropped),
		"pending": len(q.queue),
	}
}
