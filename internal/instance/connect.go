package instance

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dyluth/linker/pkg/blackboard"
	"github.com/redis/go-redis/v9"
)

const (
	// EnvRedisURL is the environment variable holding the blackboard address
	EnvRedisURL = "REDIS_URL"

	// DefaultRedisURL is used when REDIS_URL is unset
	DefaultRedisURL = "redis://localhost:6379"
)

// ResolveRedisURL picks the Redis URL from an explicit value, then REDIS_URL,
// then DefaultRedisURL.
func ResolveRedisURL(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if v := os.Getenv(EnvRedisURL); v != "" {
		return v
	}
	return DefaultRedisURL
}

// Connect opens the instance's blackboard and pings it, retrying with
// exponential backoff for up to wait. A zero wait tries once.
func Connect(ctx context.Context, name, redisURL string, wait time.Duration) (*blackboard.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}

	client, err := blackboard.NewClient(opts, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create blackboard client: %w", err)
	}

	var b backoff.BackOff = &backoff.StopBackOff{}
	if wait > 0 {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = 100 * time.Millisecond
		exp.MaxInterval = 2 * time.Second
		exp.MaxElapsedTime = wait
		b = exp
	}

	ping := func() error { return client.Ping(ctx) }
	if err := backoff.Retry(ping, backoff.WithContext(b, ctx)); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis not accessible at %s: %w", opts.Addr, err)
	}
	return client, nil
}
