// ABOUTME: NATS core pub/sub change bus
// ABOUTME: Maps topics onto escaped subjects so arbitrary participant ids are safe

package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// natsSubjectPrefix namespaces tenantline subjects on a shared server.
const natsSubjectPrefix = "tenantline"

// NATSBus implements Bus on NATS core subjects.
type NATSBus struct {
	nc     *nats.Conn
	logger *slog.Logger
	subs   *subscriptions
}

// NewNATSBus connects to the NATS server at url. After a reconnect every
// live subscriber gets a KindResync notice.
func NewNATSBus(url string, logger *slog.Logger) (*NATSBus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &NATSBus{
		logger: logger.With("component", "notify", "driver", "nats"),
		subs:   newSubscriptions(),
	}

	nc, err := nats.Connect(url,
		nats.Name("tenantline-gateway"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				b.logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			b.handleReconnect(c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	b.nc = nc
	return b, nil
}

func (b *NATSBus) handleReconnect(url string) {
	n := b.subs.resync()
	b.logger.Info("nats reconnected", "url", url, "resynced", n)
}

// subjectFor turns topic "kind.id" into "tenantline.kind.<escaped id>".
func subjectFor(topic string) string {
	kind, id, ok := strings.Cut(topic, ".")
	if !ok {
		return natsSubjectPrefix + "." + escapeToken(topic)
	}
	return natsSubjectPrefix + "." + escapeToken(kind) + "." + escapeToken(id)
}

// escapeToken percent-encodes bytes NATS does not allow inside a subject token.
func escapeToken(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c <= ' ' || c >= 0x7f || c == '.' || c == '*' || c == '>' || c == '%' {
			fmt.Fprintf(&b, "%%%02X", c)
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// Publish sends c on the topic's subject.
func (b *NATSBus) Publish(ctx context.Context, topic string, c Change) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("nats: encode change: %w", err)
	}
	if err := b.nc.Publish(subjectFor(topic), data); err != nil {
		return fmt.Errorf("nats: publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe flushes the connection so the server has registered the
// interest before returning.
func (b *NATSBus) Subscribe(ctx context.Context, topic string) (<-chan Change, func(), error) {
	if b.subs.isClosed() {
		return nil, nil, ErrClosed
	}

	msgs := make(chan *nats.Msg, subscriberBufferSize)
	ns, err := b.nc.ChanSubscribe(subjectFor(topic), msgs)
	if err != nil {
		return nil, nil, fmt.Errorf("nats: subscribe %s: %w", topic, err)
	}
	if err := b.nc.FlushWithContext(ctx); err != nil {
		_ = ns.Unsubscribe()
		return nil, nil, fmt.Errorf("nats: flush subscribe %s: %w", topic, err)
	}

	subID := uuid.New().String()
	sub := newRemoteSub()
	done := make(chan struct{})
	var once sync.Once
	sub.cancel = func() {
		once.Do(func() {
			close(done)
			_ = ns.Unsubscribe()
			b.subs.remove(subID)
		})
	}
	if !b.subs.add(subID, sub) {
		_ = ns.Unsubscribe()
		return nil, nil, ErrClosed
	}

	out := make(chan Change, subscriberBufferSize)
	go relay(ctx, b.logger, topic, sub, done, msgs, b.decode(topic), out)
	return out, sub.cancel, nil
}

func (b *NATSBus) decode(topic string) func(*nats.Msg) (Change, bool) {
	return func(m *nats.Msg) (Change, bool) {
		var c Change
		if err := json.Unmarshal(m.Data, &c); err != nil {
			b.logger.Warn("discarding malformed notice", "topic", topic, "error", err)
			return Change{}, false
		}
		return c, true
	}
}

// Close cancels all subscriptions and drains the connection.
func (b *NATSBus) Close() error {
	if b.subs.closeAll() {
		b.nc.Close()
	}
	return nil
}
