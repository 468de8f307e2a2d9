package redis

import (
	"context"
	"io"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cassiomorais/mobilemoney/internal/infrastructure/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient_Connects(t *testing.T) {
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	client, err := NewClient(context.Background(), &config.RedisConfig{Host: mr.Host(), Port: port}, zerolog.Nop())
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Set(context.Background(), "k", "v", time.Minute).Err())
	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestNewClient_GivesUpAfterRetries(t *testing.T) {
	mr := miniredis.RunT(t)
	host := mr.Host()
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	mr.Close()

	attempts := 0
	_, err = NewClient(context.Background(), &config.RedisConfig{
		Host:              host,
		Port:              port,
		ConnectRetries:    2,
		ConnectRetryDelay: time.Millisecond,
	}, zerolog.New(io.Discard).Hook(zerolog.HookFunc(func(*zerolog.Event, zerolog.Level, string) { attempts++ })))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.GreaterOrEqual(t, attempts, 1)
}
