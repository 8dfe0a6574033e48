package blackboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Client provides instance-scoped Redis operations for the linker.
// All keys and channels are automatically namespaced with the instance name.
// The client is thread-safe and can be used concurrently from multiple goroutines.
type Client struct {
	rdb          *redis.Client
	instanceName string
}

// NewClient creates a new blackboard client for the specified instance.
//
// Parameters:
//   - redisOpts: Redis connection options (address, password, DB, etc.)
//   - instanceName: linker instance identifier (must not be empty)
//
// Returns an error if instanceName is empty.
func NewClient(redisOpts *redis.Options, instanceName string) (*Client, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}

	return &Client{
		rdb:          redis.NewClient(redisOpts),
		instanceName: instanceName,
	}, nil
}

// InstanceName returns the namespace this client writes into.
func (c *Client) InstanceName() string {
	return c.instanceName
}

// Close closes the Redis connection. Implements io.Closer.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity. Useful for health checks.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// PublishLinkEvent announces a committed linking decision on the link_events channel.
// Delivery is at-most-once (Redis Pub/Sub); the cluster store remains the source of truth.
func (c *Client) PublishLinkEvent(ctx context.Context, event *LinkEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal link event: %w", err)
	}

	channel := LinkEventsChannel(c.instanceName)
	if err := c.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish link event: %w", err)
	}
	return nil
}

// Subscription represents an active Pub/Sub subscription to link events.
// Caller must call Close() when done to clean up resources.
type Subscription struct {
	events <-chan *LinkEvent
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of link events.
// The channel will be closed when the subscription is closed or the context is cancelled.
func (s *Subscription) Events() <-chan *LinkEvent {
	return s.events
}

// Errors returns the channel of non-fatal subscription errors (malformed payloads).
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription. Safe to call multiple times.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// SubscribeLinkEvents subscribes to committed linking decisions for this instance.
// Events are delivered on a buffered channel (size 10); slow subscribers may miss
// events (at-most-once delivery).
func (c *Client) SubscribeLinkEvents(ctx context.Context) (*Subscription, error) {
	channel := LinkEventsChannel(c.instanceName)
	pubsub := c.rdb.Subscribe(ctx, channel)

	// Wait for the subscription to be confirmed so no event published right after
	// this call returns is lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to link events: %w", err)
	}

	eventsChan := make(chan *LinkEvent, 10)
	errorsChan := make(chan error, 10)

	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()

		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var event LinkEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to unmarshal link event: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}

				select {
				case eventsChan <- &event:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}, nil
}

// IsNotFound returns true if the error is a Redis "key not found" error (redis.Nil).
func IsNotFound(err error) bool {
	return errors.Is(err, redis.Nil)
}
