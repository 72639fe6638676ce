package amoura

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// TTL Set
// ============================================================================

// ttlSet is a seen-id set whose entries lapse after a fixed TTL. Expiry is
// lazy: Contains drops a lapsed entry on lookup, and Add sweeps the whole
// map at most once per TTL so idle ids do not pile up.
type ttlSet struct {
	mu        sync.Mutex
	ttl       time.Duration
	m         map[string]time.Time
	lastSweep time.Time
}

func newTTLSet(ttl time.Duration) *ttlSet {
	return &ttlSet{ttl: ttl, m: make(map[string]time.Time), lastSweep: time.Now()}
}

func (s *ttlSet) Add(id string) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[id] = now.Add(s.ttl)
	if now.Sub(s.lastSweep) >= s.ttl {
		for k, exp := range s.m {
			if exp.Before(now) {
				delete(s.m, k)
			}
		}
		s.lastSweep = now
	}
}

func (s *ttlSet) Contains(id string) bool {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.m[id]
	if !ok {
		return false
	}
	if exp.Before(now) {
		delete(s.m, id)
		return false
	}
	return true
}

func (s *ttlSet) ContainsAny(ids []string) bool {
	for _, id := range ids {
		if s.Contains(id) {
			return true
		}
	}
	return false
}

func (s *ttlSet) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m = make(map[string]time.Time)
}

// ============================================================================
// Local-Send Fingerprints
// ============================================================================

// fingerprintBucket quantizes a timestamp so an optimistic message and its
// server echo land in the same (or adjacent) bucket despite the server
// assigning its own created_at.
func fingerprintBucket(t time.Time) int64 {
	return t.Unix() / 10
}

func fingerprintKey(senderID, content string, bucket int64) string {
	return fmt.Sprintf("%s|%s|%d", senderID, content, bucket)
}

// fingerprintKeys returns the lookup keys for a message: its own bucket and
// the previous one, so a send straddling a bucket boundary still matches.
func fingerprintKeys(senderID, content string, t time.Time) []string {
	b := fingerprintBucket(t)
	return []string{
		fingerprintKey(senderID, content, b),
		fingerprintKey(senderID, content, b-1),
	}
}

// ============================================================================
// Realtime Event Dispatcher
// ============================================================================

// Dispatcher consumes insert/update events for the messages table and turns
// them into exactly-once cache mutations and callbacks.
//
// Insert dedup state, in the order it is consulted:
//   - a per-message processing lock, released ~100ms after handling, which
//     absorbs rapid duplicate deliveries from the transport;
//   - a processed-id set (5 minute TTL);
//   - a locally-sent id set (10 second TTL) holding server ids of our own
//     optimistic sends, so their echo is ignored;
//   - a fingerprint set covering sends still in flight, whose server id is
//     not known yet.
//
// Updates (read receipts) are idempotent and bypass all of this.
type Dispatcher struct {
	cfg     *Config
	log     zerolog.Logger
	data    DataService
	channel RealtimeChannel
	cache   *MessageCache
	queues  *queueSet

	// membership answers "does the active profile belong to this
	// conversation"; the engine backs it with a permission cache.
	membership func(ctx context.Context, conversationID, profileID string) (bool, error)

	onInsert func(Message)
	onUpdate func(Message)

	processed    *ttlSet
	locallySent  *ttlSet
	fingerprints *ttlSet

	mu             sync.Mutex
	locks          map[string]struct{}
	profileID      string
	sub            Subscription
	attempt        int
	reconnectTimer *time.Timer
	ctx            context.Context
}

func newDispatcher(cfg *Config, log zerolog.Logger, data DataService, channel RealtimeChannel, cache *MessageCache, queues *queueSet) *Dispatcher {
	return &Dispatcher{
		cfg:          cfg,
		log:          log.With().Str("component", "dispatcher").Logger(),
		data:         data,
		channel:      channel,
		cache:        cache,
		queues:       queues,
		processed:    newTTLSet(cfg.ProcessedTTL),
		locallySent:  newTTLSet(cfg.LocallySentTTL),
		fingerprints: newTTLSet(cfg.LocallySentTTL),
		locks:        make(map[string]struct{}),
	}
}

// MarkLocallySent records a server-assigned id of a message this client just
// persisted, so the realtime echo is discarded.
func (d *Dispatcher) MarkLocallySent(messageID string) {
	d.locallySent.Add(messageID)
}

// MarkInFlight records the fingerprint of a send whose server id is not
// known yet, covering the window where the echo can outrun the insert
// response.
func (d *Dispatcher) MarkInFlight(senderID, content string, at time.Time) {
	d.fingerprints.Add(fingerprintKey(senderID, content, fingerprintBucket(at)))
}

// SetProfile switches the active profile: the current subscription is torn
// down, all dedup state is cleared, and a fresh subscription is made for the
// new profile. An empty id just tears down.
func (d *Dispatcher) SetProfile(ctx context.Context, profileID string) {
	d.teardown()
	d.processed.Clear()
	d.locallySent.Clear()
	d.fingerprints.Clear()

	d.mu.Lock()
	d.locks = make(map[string]struct{})
	d.profileID = profileID
	d.attempt = 0
	d.ctx = ctx
	d.mu.Unlock()

	if profileID == "" {
		return
	}
	d.subscribe(ctx)
}

func (d *Dispatcher) teardown() {
	d.mu.Lock()
	sub := d.sub
	d.sub = nil
	if d.reconnectTimer != nil {
		d.reconnectTimer.Stop()
		d.reconnectTimer = nil
	}
	d.mu.Unlock()
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			d.log.Debug().Err(err).Msg("unsubscribe failed")
		}
	}
}

func (d *Dispatcher) subscribe(ctx context.Context) {
	sub, err := d.channel.Subscribe(ctx, SubscribeOptions{
		Table:    "messages",
		Events:   []EventType{EventInsert, EventUpdate},
		OnEvent:  d.handleEvent,
		OnStatus: d.handleStatus,
	})
	if err != nil {
		d.log.Warn().Err(err).Msg("realtime subscribe failed")
		d.scheduleResubscribe()
		return
	}
	d.mu.Lock()
	d.sub = sub
	d.mu.Unlock()
}

func (d *Dispatcher) handleStatus(status ChannelStatus, err error) {
	switch status {
	case StatusSubscribed:
		d.mu.Lock()
		d.attempt = 0
		d.mu.Unlock()
		d.log.Debug().Msg("realtime subscribed")
	case StatusChannelError, StatusTimedOut:
		d.log.Warn().Err(err).Str("status", string(status)).Msg("realtime channel lost")
		d.scheduleResubscribe()
	case StatusClosed:
		// Intentional close; nothing to do.
	}
}

func (d *Dispatcher) scheduleResubscribe() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.profileID == "" || d.reconnectTimer != nil {
		return
	}
	if d.cfg.ReconnectPolicy.Exhausted(d.attempt) {
		d.log.Error().Int("attempts", d.attempt).Msg("realtime reconnect budget exhausted")
		return
	}
	delay := d.cfg.ReconnectPolicy.Delay(d.attempt)
	d.attempt++
	ctx := d.ctx
	d.reconnectTimer = time.AfterFunc(delay, func() {
		d.mu.Lock()
		d.reconnectTimer = nil
		active := d.profileID != ""
		d.mu.Unlock()
		if active && ctx.Err() == nil {
			d.subscribe(ctx)
		}
	})
}

func (d *Dispatcher) handleEvent(ev RealtimeEvent) {
	switch ev.Type {
	case EventInsert:
		go d.handleInsert(ev.New)
	case EventUpdate:
		go d.handleUpdate(ev.New)
	}
}

func (d *Dispatcher) handleInsert(msg *Message) {
	if msg == nil || msg.ID == "" {
		// Data-integrity anomaly: a row with no id is discarded, never an error.
		d.log.Debug().Msg("discarding insert event without id")
		return
	}

	d.mu.Lock()
	if _, held := d.locks[msg.ID]; held {
		d.mu.Unlock()
		return
	}
	if d.processed.Contains(msg.ID) {
		d.mu.Unlock()
		return
	}
	if d.locallySent.Contains(msg.ID) {
		d.mu.Unlock()
		return
	}
	profileID := d.profileID
	ctx := d.ctx
	if msg.SenderID == profileID &&
		d.fingerprints.ContainsAny(fingerprintKeys(msg.SenderID, msg.Content, msg.CreatedAt)) {
		d.mu.Unlock()
		return
	}
	d.locks[msg.ID] = struct{}{}
	d.mu.Unlock()

	d.processed.Add(msg.ID)
	defer func() {
		id := msg.ID
		time.AfterFunc(d.cfg.LockReleaseDelay, func() {
			d.mu.Lock()
			delete(d.locks, id)
			d.mu.Unlock()
		})
	}()

	if profileID == "" || ctx == nil {
		return
	}

	ok, err := d.membership(ctx, msg.ConversationID, profileID)
	if err != nil {
		d.log.Warn().Err(err).Str("conversation_id", msg.ConversationID).
			Msg("membership check failed, discarding event")
		return
	}
	if !ok {
		return
	}

	m := *msg
	if m.Sender == nil {
		if p, perr := d.data.GetProfile(ctx, m.SenderID); perr != nil {
			// Availability over enrichment: deliver the bare event.
			d.log.Debug().Err(perr).Str("sender_id", m.SenderID).
				Msg("sender enrichment failed, delivering raw event")
		} else {
			m.Sender = p
		}
	}

	d.queues.Apply(m.ConversationID, func() {
		if cached, hit := d.cache.Get(m.ConversationID); hit {
			if merged, added := mergeMessage(cached, m); added {
				d.cache.Set(m.ConversationID, merged)
			}
		}
		if d.onInsert != nil {
			d.onInsert(m)
		}
	})
}

func (d *Dispatcher) handleUpdate(msg *Message) {
	if msg == nil || msg.ID == "" {
		return
	}
	m := *msg
	d.queues.Apply(m.ConversationID, func() {
		if cached, hit := d.cache.Get(m.ConversationID); hit {
			changed := false
			for i := range cached {
				if cached[i].ID == m.ID {
					cached[i].ReadAt = m.ReadAt
					changed = true
				}
			}
			if changed {
				d.cache.Set(m.ConversationID, cached)
			}
		}
		if d.onUpdate != nil {
			d.onUpdate(m)
		}
	})
}
