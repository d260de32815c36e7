// Package messaging provides the NATS transport of the matcher: queue
// insertion notifications, cancel requests with replies, and match results
// fanned out to the paired users.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/whisper/matchmaker/internal/queue"
)

// NATS subjects used by the matcher.
const (
	SubjectEntryCreated = "match.queue.created"
	SubjectMatchCancel  = "match.cancel"
	SubjectMatchFound   = "match.found" // + .<uid>

	// QueueGroup makes every insertion reach exactly one matcher replica.
	QueueGroup = "matcher"
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn   *nats.Conn
	logger *zap.Logger
	mu     sync.Mutex
	subs   []*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "matcher",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
func NewNATSClient(config NATSConfig, logger *zap.Logger) (*NATSClient, error) {
	logger = logger.Named("nats")

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	logger.Info("connected", zap.String("url", nc.ConnectedUrl()))
	return &NATSClient{conn: nc, logger: logger}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// NotifyCreated publishes a queue insertion event carrying the new entry.
// It implements queue.Notifier.
func (c *NATSClient) NotifyCreated(_ context.Context, entry queue.Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("messaging: marshal entry: %w", err)
	}
	if err := c.conn.Publish(SubjectEntryCreated, data); err != nil {
		return fmt.Errorf("messaging: publish %s: %w", SubjectEntryCreated, err)
	}
	// Flush so the entry is never visible in Redis long before the event is out.
	return c.conn.Flush()
}

// SubscribeEntryCreated delivers every insertion event to exactly one
// subscriber of the matcher queue group.
func (c *NATSClient) SubscribeEntryCreated(handler func(entry queue.Entry)) error {
	return c.queueSubscribe(SubjectEntryCreated, func(msg *nats.Msg) {
		var entry queue.Entry
		if err := json.Unmarshal(msg.Data, &entry); err != nil {
			c.logger.Warn("invalid insertion event", zap.Error(err))
			return
		}
		handler(entry)
	})
}

// SubscribeCancel answers cancel requests with whatever handler returns.
// The reply is JSON-encoded; requests without a reply subject are still
// executed.
func (c *NATSClient) SubscribeCancel(handler func(uid string) any) error {
	return c.queueSubscribe(SubjectMatchCancel, func(msg *nats.Msg) {
		var req CancelRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil || req.UID == "" {
			c.respond(msg, CancelReply{Success: false, Message: "invalid cancel request"})
			return
		}
		c.respond(msg, handler(req.UID))
	})
}

// RequestCancel sends a cancel request for uid and decodes the reply into out.
// It is the client side of SubscribeCancel, for services that front the
// matcher over NATS instead of HTTP.
func (c *NATSClient) RequestCancel(ctx context.Context, uid string, out any) error {
	data, err := json.Marshal(CancelRequest{UID: uid})
	if err != nil {
		return fmt.Errorf("messaging: marshal cancel: %w", err)
	}
	msg, err := c.conn.RequestWithContext(ctx, SubjectMatchCancel, data)
	if err != nil {
		return fmt.Errorf("messaging: request cancel: %w", err)
	}
	return json.Unmarshal(msg.Data, out)
}

// PublishMatchFound sends a match result to a single user.
func (c *NATSClient) PublishMatchFound(uid string, data []byte) error {
	return c.Publish(SubjectMatchFound+"."+uid, data)
}

// SubscribeMatchFound subscribes to match results for uid. Client side of
// PublishMatchFound; the matcher itself only publishes.
func (c *NATSClient) SubscribeMatchFound(uid string, handler func(data []byte)) error {
	sub, err := c.conn.Subscribe(SubjectMatchFound+"."+uid, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", SubjectMatchFound, err)
	}
	c.track(sub)
	return nil
}

// Check reports an error unless the connection is currently up.
func (c *NATSClient) Check(_ context.Context) error {
	if !c.conn.IsConnected() {
		return fmt.Errorf("nats: %s", c.conn.Status())
	}
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.logger.Warn("drain subscription", zap.String("subject", sub.Subject), zap.Error(err))
		}
	}
	c.subs = nil

	if err := c.conn.Drain(); err != nil {
		c.logger.Warn("connection drain", zap.Error(err))
	}
}

func (c *NATSClient) queueSubscribe(subject string, handler nats.MsgHandler) error {
	sub, err := c.conn.QueueSubscribe(subject, QueueGroup, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	c.track(sub)
	return nil
}

func (c *NATSClient) track(sub *nats.Subscription) {
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
}

func (c *NATSClient) respond(msg *nats.Msg, reply any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		c.logger.Error("marshal reply", zap.Error(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		c.logger.Warn("respond", zap.String("subject", msg.Subject), zap.Error(err))
	}
}
