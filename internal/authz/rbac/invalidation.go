package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/keyarc-gateway/internal/observability"
)

// DefaultInvalidationChannel is the Redis channel carrying membership
// change notifications.
const DefaultInvalidationChannel = "keyarc:membership:invalidate"

// InvalidationMessage announces a membership change. An empty
// PrincipalID invalidates the whole team.
type InvalidationMessage struct {
	TeamID      string `json:"team_id"`
	PrincipalID string `json:"principal_id,omitempty"`
}

// PublishInvalidation announces a membership change on channel.
func PublishInvalidation(ctx context.Context, client redis.UniversalClient, channel string, msg InvalidationMessage) error {
	if msg.TeamID == "" {
		return fmt.Errorf("%w: team_id is required", ErrInvalidRequest)
	}
	if channel == "" {
		channel = DefaultInvalidationChannel
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return client.Publish(ctx, channel, payload).Err()
}

// SubscriberOption is a functional option for the subscriber.
type SubscriberOption func(*InvalidationSubscriber)

// WithSubscriberLogger sets the logger.
func WithSubscriberLogger(logger observability.Logger) SubscriberOption {
	return func(s *InvalidationSubscriber) {
		s.logger = logger
	}
}

// WithSubscriberChannel overrides the channel name.
func WithSubscriberChannel(channel string) SubscriberOption {
	return func(s *InvalidationSubscriber) {
		if channel != "" {
			s.channel = channel
		}
	}
}

// InvalidationSubscriber applies membership change notifications from
// Redis pub/sub to an Invalidator.
type InvalidationSubscriber struct {
	client      redis.UniversalClient
	invalidator Invalidator
	channel     string
	logger      observability.Logger
	ready       chan struct{}
}

// NewInvalidationSubscriber creates a subscriber.
func NewInvalidationSubscriber(
	client redis.UniversalClient,
	invalidator Invalidator,
	opts ...SubscriberOption,
) *InvalidationSubscriber {
	s := &InvalidationSubscriber{
		client:      client,
		invalidator: invalidator,
		channel:     DefaultInvalidationChannel,
		logger:      observability.NopLogger(),
		ready:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ready is closed once the subscription is confirmed.
func (s *InvalidationSubscriber) Ready() <-chan struct{} {
	return s.ready
}

// Run subscribes and applies notifications until ctx is done. Because
// notifications missed during the subscription gap are unrecoverable,
// the whole cache is purged once the subscription is confirmed.
func (s *InvalidationSubscriber) Run(ctx context.Context) error {
	pubsub := s.client.Subscribe(ctx, s.channel)
	defer func() {
		_ = pubsub.Close()
	}()

	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", s.channel, err)
	}
	s.invalidator.Purge()
	close(s.ready)

	s.logger.Info("membership invalidation subscriber started",
		observability.String("channel", s.channel))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("membership invalidation subscriber stopped")
			return nil
		case msg, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("invalidation subscription closed")
			}
			s.handle(msg.Payload)
		}
	}
}

func (s *InvalidationSubscriber) handle(payload string) {
	var msg InvalidationMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		s.logger.Warn("ignoring malformed invalidation message", observability.Error(err))
		return
	}

	msg.TeamID = strings.TrimSpace(msg.TeamID)
	if msg.TeamID == "" {
		s.logger.Warn("ignoring invalidation message without team_id")
		return
	}

	if msg.PrincipalID == "" {
		s.invalidator.InvalidateTeam(msg.TeamID)
		return
	}
	s.invalidator.Invalidate(msg.PrincipalID, msg.TeamID)
}
