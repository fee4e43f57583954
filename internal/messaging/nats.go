// Package messaging provides a NATS client wrapper for the moderator's
// pub/sub traffic. It handles connection lifecycle, subject-based
// subscriptions, and convenience methods for the moderation subjects.
package messaging

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATS subjects used by the moderator.
const (
	SubjectMessage = "moderation.message"
	SubjectJoin    = "moderation.join"
	SubjectAdmin   = "moderation.admin"
	SubjectVerdict = "moderation.verdict" // + .<conversation_id>
	SubjectAlert   = "moderation.alert"   // + .<conversation_id>
)

// QueueGroup load-balances inbound subjects across moderator replicas.
const QueueGroup = "moderator"

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn   *nats.Conn
	logger *zap.Logger
	mu     sync.Mutex
	subs   map[string]*nats.Subscription
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
		Name:          "groupguard-moderator",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
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

	return &NATSClient{
		conn:   nc,
		logger: logger,
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// QueueSubscribe registers a handler for subject in the moderator queue group
// and stores the subscription internally for later cleanup.
func (c *NATSClient) QueueSubscribe(subject string, handler func(data []byte)) error {
	sub, err := c.conn.QueueSubscribe(subject, QueueGroup, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// SubscribeMessages subscribes to inbound group messages.
func (c *NATSClient) SubscribeMessages(handler func(data []byte)) error {
	return c.QueueSubscribe(SubjectMessage, handler)
}

// SubscribeJoins subscribes to member join events.
func (c *NATSClient) SubscribeJoins(handler func(data []byte)) error {
	return c.QueueSubscribe(SubjectJoin, handler)
}

// SubscribeAdmin subscribes to admin commands. Every replica must see every
// command, so this subject is not queue-grouped.
func (c *NATSClient) SubscribeAdmin(handler func(data []byte)) error {
	sub, err := c.conn.Subscribe(SubjectAdmin, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", SubjectAdmin, err)
	}
	c.mu.Lock()
	c.subs[SubjectAdmin] = sub
	c.mu.Unlock()
	return nil
}

// PublishVerdict publishes a verdict to moderation.verdict.<conversationID>.
func (c *NATSClient) PublishVerdict(conversationID string, data []byte) error {
	return c.Publish(SubjectVerdict+"."+conversationID, data)
}

// PublishAlert publishes an admin alert to moderation.alert.<conversationID>.
func (c *NATSClient) PublishAlert(conversationID string, data []byte) error {
	return c.Publish(SubjectAlert+"."+conversationID, data)
}

// Unsubscribe removes and unsubscribes from a specific subject.
func (c *NATSClient) Unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}

// Connected reports whether the connection is currently up.
func (c *NATSClient) Connected() bool {
	return c.conn.IsConnected()
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.logger.Warn("drain subscription", zap.String("subject", subject), zap.Error(err))
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.logger.Warn("connection drain", zap.Error(err))
	}

	c.logger.Info("client closed")
}
