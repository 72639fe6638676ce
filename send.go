package amoura

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ============================================================================
// Optimistic Send Coordinator
// ============================================================================

// SendCoordinator sends messages for one conversation with optimistic local
// echo. A send inserts a placeholder into the cached list before any network
// round trip; on success the placeholder is swapped for the canonical row,
// on failure it is rolled back and the text is kept for the composer to
// restore.
//
// One coordinator per open conversation; obtain it from Engine.Sender.
type SendCoordinator struct {
	cfg        *Config
	log        zerolog.Logger
	data       DataService
	cache      *MessageCache
	queues     *queueSet
	dispatcher *Dispatcher
	emit       func(event string, payload any)

	conversationID string
	senderID       string

	mu           sync.Mutex
	inProgress   bool
	lastAccepted time.Time
	restored     string
}

// Send persists content as a new message. The call is silently accepted or
// silently dropped: a send already in progress, blank content, or a send
// within the debounce window of the previous accepted one all return nil
// without doing anything, so a double-tapped submit cannot produce two
// messages.
//
// A non-nil error is only returned for an accepted send whose persist
// failed; by then the placeholder is already rolled back.
func (c *SendCoordinator) Send(ctx context.Context, content string) error {
	if strings.TrimSpace(content) == "" {
		return nil
	}

	now := time.Now()
	c.mu.Lock()
	if c.inProgress {
		c.mu.Unlock()
		return nil
	}
	if !c.lastAccepted.IsZero() && now.Sub(c.lastAccepted) < c.cfg.SendDebounce {
		c.mu.Unlock()
		return nil
	}
	c.inProgress = true
	c.lastAccepted = now
	c.restored = ""
	sender := c.senderID
	c.mu.Unlock()

	// The guard outlives the network call by a grace window, so a rapid
	// resubmit right after a fast response is still a no-op.
	defer time.AfterFunc(c.cfg.SendGuardRelease, func() {
		c.mu.Lock()
		c.inProgress = false
		c.mu.Unlock()
	})

	placeholder := Message{
		ID:             "temp-" + uuid.NewString(),
		ConversationID: c.conversationID,
		SenderID:       sender,
		Content:        content,
		CreatedAt:      now,
		Optimistic:     true,
	}

	// Cover the echo-outruns-response window before the insert goes out.
	c.dispatcher.MarkInFlight(sender, content, now)

	c.queues.ApplyWait(c.conversationID, func() {
		if cached, hit := c.cache.Get(c.conversationID); hit {
			if merged, added := mergeMessage(cached, placeholder); added {
				c.cache.Set(c.conversationID, merged)
			}
		}
	})
	c.emit(EvMessageNew, placeholder)

	row, err := c.data.InsertMessage(ctx, SendMessageParams{
		ConversationID: c.conversationID,
		SenderID:       sender,
		Content:        content,
	})
	if err != nil || row == nil {
		c.rollback(placeholder.ID, content, err)
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	c.dispatcher.MarkLocallySent(row.ID)

	canonical := *row
	c.queues.ApplyWait(c.conversationID, func() {
		cached, hit := c.cache.Get(c.conversationID)
		if !hit {
			return
		}
		kept := cached[:0]
		for _, m := range cached {
			if m.ID != placeholder.ID {
				kept = append(kept, m)
			}
		}
		merged, _ := mergeMessage(kept, canonical)
		c.cache.Set(c.conversationID, merged)
	})
	c.emit(EvMessageConfirmed, canonical)
	return nil
}

func (c *SendCoordinator) setSender(profileID string) {
	c.mu.Lock()
	c.senderID = profileID
	c.mu.Unlock()
}

// RestoredContent returns the text of the last failed send, for the caller
// to put back into the composer.
func (c *SendCoordinator) RestoredContent() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.restored
}

func (c *SendCoordinator) rollback(placeholderID, content string, cause error) {
	c.queues.ApplyWait(c.conversationID, func() {
		cached, hit := c.cache.Get(c.conversationID)
		if !hit {
			return
		}
		kept := cached[:0]
		for _, m := range cached {
			if m.ID != placeholderID {
				kept = append(kept, m)
			}
		}
		c.cache.Set(c.conversationID, kept)
	})

	c.mu.Lock()
	c.restored = content
	c.mu.Unlock()

	c.log.Warn().Err(cause).Str("conversation_id", c.conversationID).
		Msg("send failed, placeholder rolled back")
	c.emit(EvMessageFailed, SendFailure{
		ConversationID: c.conversationID,
		Content:        content,
		Err:            cause,
	})
}

// SendFailure is the payload of an EvMessageFailed event.
type SendFailure struct {
	ConversationID string
	Content        string
	Err            error
}
