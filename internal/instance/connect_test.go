package instance

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveRedisURL(t *testing.T) {
	t.Setenv(EnvRedisURL, "")
	assert.Equal(t, DefaultRedisURL, ResolveRedisURL(""))

	t.Setenv(EnvRedisURL, "redis://cache:6379")
	assert.Equal(t, "redis://cache:6379", ResolveRedisURL(""))
	assert.Equal(t, "redis://other:1", ResolveRedisURL("redis://other:1"))
}

func TestConnect(t *testing.T) {
	ctx := context.Background()

	t.Run("connects", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client, err := Connect(ctx, "prod", "redis://"+mr.Addr(), 0)
		require.NoError(t, err)
		defer client.Close()
		assert.Equal(t, "prod", client.InstanceName())
	})

	t.Run("retries until redis is up", func(t *testing.T) {
		mr := miniredis.NewMiniRedis()
		require.NoError(t, mr.Start())
		addr := mr.Addr()
		mr.Close()

		go func() {
			time.Sleep(300 * time.Millisecond)
			mr.Restart()
		}()
		t.Cleanup(mr.Close)

		client, err := Connect(ctx, "prod", "redis://"+addr, 10*time.Second)
		require.NoError(t, err)
		client.Close()
	})

	t.Run("gives up", func(t *testing.T) {
		_, err := Connect(ctx, "prod", "redis://127.0.0.1:9", 0)
		assert.ErrorContains(t, err, "redis not accessible")
	})

	t.Run("bad url", func(t *testing.T) {
		_, err := Connect(ctx, "prod", "http://nope", 0)
		assert.ErrorContains(t, err, "invalid Redis URL")
	})
}
