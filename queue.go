package amoura

import (
	"sync"
)

// ============================================================================
// Per-Conversation Apply Queue
// ============================================================================

// queueSet serializes cache mutations per conversation. Every component that
// mutates a conversation's message list (the realtime dispatcher, the send
// coordinator, the freshness check merge) submits its mutation here, and
// one goroutine per conversation applies them in order. Readers therefore
// never observe a half-applied merge, and the components need no shared
// mutation locks of their own.
//
// Queues are created on first use and live until Close, even after the
// cache evicts their conversation. The population is bounded by the
// conversations a session touches; an idle queue holds one parked
// goroutine and an empty channel, so there is no idle teardown.
type queueSet struct {
	mu     sync.Mutex
	queues map[string]*convQueue
	closed bool
	wg     sync.WaitGroup
}

type convQueue struct {
	ops chan func()
}

const convQueueDepth = 64

func newQueueSet() *queueSet {
	return &queueSet{queues: make(map[string]*convQueue)}
}

// Apply enqueues op for the conversation and returns immediately. Ops for
// the same conversation run in submission order; ops for different
// conversations are unordered relative to each other.
func (s *queueSet) Apply(conversationID string, op func()) {
	q := s.queue(conversationID)
	if q == nil {
		return
	}
	q.ops <- op
}

// ApplyWait enqueues op and blocks until it has run. Returns false if the
// set is already closed.
func (s *queueSet) ApplyWait(conversationID string, op func()) bool {
	q := s.queue(conversationID)
	if q == nil {
		return false
	}
	done := make(chan struct{})
	q.ops <- func() {
		defer close(done)
		op()
	}
	<-done
	return true
}

func (s *queueSet) queue(conversationID string) *convQueue {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	q, ok := s.queues[conversationID]
	if !ok {
		q = &convQueue{ops: make(chan func(), convQueueDepth)}
		s.queues[conversationID] = q
		s.wg.Add(1)
		go s.drain(q)
	}
	return q
}

func (s *queueSet) drain(q *convQueue) {
	defer s.wg.Done()
	for op := range q.ops {
		op()
	}
}

// Close stops all queue goroutines after the ops already submitted have
// run. Apply calls after Close are dropped.
func (s *queueSet) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, q := range s.queues {
		close(q.ops)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
