// ABOUTME: Popup is the single owner of "which conversation is open" for one session
// ABOUTME: Forwards thread snapshots and marks incoming messages read while open

package messaging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/2389/tenantline/internal/fanout"
	"github.com/2389/tenantline/internal/store"
)

// PopupUpdate is a thread snapshot for the open conversation. When the
// subscription ends Closed is set and Err carries the cause, if any.
type PopupUpdate struct {
	ConversationID string
	Initial        bool
	Messages       []*store.Message
	Closed         bool
	Err            error
}

// Popup tracks at most one open conversation for a participant. Create one
// per session; it is safe for concurrent use.
type Popup struct {
	svc           *Service
	participantID string
	logger        *slog.Logger
	updates       chan PopupUpdate

	mu      sync.Mutex
	gen     uint64
	current string
	stream  *fanout.Stream[*store.Message]
	cancel  context.CancelFunc
}

// NewPopup creates a Popup for participantID.
func (s *Service) NewPopup(participantID string) *Popup {
	return &Popup{
		svc:           s,
		participantID: participantID,
		logger:        s.logger.With("popup", participantID),
		updates:       make(chan PopupUpdate, 1),
	}
}

// Updates delivers snapshots of whichever conversation is open. A slow
// reader only sees the newest update. The channel is never closed.
func (p *Popup) Updates() <-chan PopupUpdate { return p.updates }

// Current returns the open conversation id, or "".
func (p *Popup) Current() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Open shows conversationID, replacing whatever was open. The conversation
// stays open until Close, the next Open, or ctx is done.
func (p *Popup) Open(ctx context.Context, conversationID string) error {
	if _, err := p.svc.ConversationFor(ctx, conversationID, p.participantID); err != nil {
		return err
	}

	sctx, cancel := context.WithCancel(ctx)
	stream, err := p.svc.SubscribeToMessages(sctx, conversationID)
	if err != nil {
		cancel()
		return err
	}

	p.mu.Lock()
	p.closeLocked()
	p.gen++
	gen := p.gen
	p.current = conversationID
	p.stream = stream
	p.cancel = cancel
	p.mu.Unlock()

	go p.forward(sctx, gen, conversationID, stream)
	p.logger.Debug("popup opened", "conversation_id", conversationID)
	return nil
}

// Close closes the open conversation. Safe to call when nothing is open.
func (p *Popup) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
	p.gen++
}

func (p *Popup) closeLocked() {
	if p.stream != nil {
		p.stream.Close()
		p.cancel()
	}
	p.stream = nil
	p.cancel = nil
	p.current = ""
}

func (p *Popup) forward(ctx context.Context, gen uint64, conversationID string, stream *fanout.Stream[*store.Message]) {
	var marked int64
	for snap := range stream.Updates() {
		if seq := newestFromOther(snap.Items, p.participantID); seq > marked {
			if err := p.svc.MarkMessagesAsRead(ctx, conversationID, p.participantID); err != nil {
				if ctx.Err() == nil {
					p.logger.Warn("auto mark read failed", "conversation_id", conversationID, "error", err)
				}
			} else {
				marked = seq
			}
		}
		p.deliver(gen, PopupUpdate{
			ConversationID: conversationID,
			Initial:        snap.Initial,
			Messages:       snap.Items,
		})
	}

	p.mu.Lock()
	if p.gen == gen {
		p.current = ""
		p.stream = nil
		if p.cancel != nil {
			p.cancel()
			p.cancel = nil
		}
	}
	p.mu.Unlock()
	if err := stream.Err(); err != nil {
		p.deliver(gen, PopupUpdate{ConversationID: conversationID, Closed: true, Err: err})
	}
}

// deliver replaces any unread update, dropping ones from a previous Open.
func (p *Popup) deliver(gen uint64, u PopupUpdate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen != gen {
		return
	}
	for {
		select {
		case p.updates <- u:
			return
		default:
		}
		select {
		case <-p.updates:
		default:
		}
	}
}

func newestFromOther(msgs []*store.Message, participantID string) int64 {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].SenderID != participantID {
			return msgs[i].Seq
		}
	}
	return 0
}
