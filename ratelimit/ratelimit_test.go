package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllow_FirstHitSetsWindow(t *testing.T) {
	client, mock := redismock.NewClientMock()
	mock.ExpectIncr("kwh:intake:alice").SetVal(1)
	mock.ExpectExpire("kwh:intake:alice", time.Minute).SetVal(true)

	l := New(client, 3, time.Minute)
	d, err := l.Allow(context.Background(), "alice")

	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.EqualValues(t, 1, d.Count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAllow_WithinWindowDoesNotResetExpiry(t *testing.T) {
	client, mock := redismock.NewClientMock()
	mock.ExpectIncr("kwh:intake:alice").SetVal(3)

	d, err := New(client, 3, time.Minute).Allow(context.Background(), "alice")

	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAllow_OverLimitReportsRetryAfter(t *testing.T) {
	client, mock := redismock.NewClientMock()
	mock.ExpectIncr("kwh:intake:bob").SetVal(4)
	mock.ExpectTTL("kwh:intake:bob").SetVal(42 * time.Second)

	d, err := New(client, 3, time.Minute).Allow(context.Background(), "bob")

	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 42*time.Second, d.RetryAfter)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAllow_RedisErrorFailsOpen(t *testing.T) {
	client, mock := redismock.NewClientMock()
	mock.ExpectIncr("kwh:intake:carol").SetErr(errors.New("connection refused"))

	d, err := New(client, 3, time.Minute).Allow(context.Background(), "carol")

	require.Error(t, err)
	assert.True(t, d.Allowed)
}

func TestRelease(t *testing.T) {
	// GIVEN: two counted hits in the window
	client, mock := redismock.NewClientMock()
	mock.ExpectDecr("kwh:intake:erin").SetVal(1)

	// WHEN: one is given back
	err := New(client, 3, time.Minute).Release(context.Background(), "erin")

	// THEN: the counter keeps its key and TTL
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRelease_DropsEmptyCounter(t *testing.T) {
	// GIVEN: the window expired between Allow and Release
	client, mock := redismock.NewClientMock()
	mock.ExpectDecr("kwh:intake:finn").SetVal(-1)
	mock.ExpectDel("kwh:intake:finn").SetVal(1)

	err := New(client, 3, time.Minute).Release(context.Background(), "finn")

	// THEN: no TTL-less key is left behind
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRelease_ReportsRedisError(t *testing.T) {
	client, mock := redismock.NewClientMock()
	mock.ExpectDecr("kwh:intake:gus").SetErr(errors.New("connection refused"))

	err := New(client, 3, time.Minute).Release(context.Background(), "gus")
	assert.ErrorContains(t, err, "connection refused")

	assert.NoError(t, New(nil, 3, time.Minute).Release(context.Background(), "gus"))
}

func TestAllow_DisabledWithoutClient(t *testing.T) {
	l := New(nil, 3, time.Minute)
	assert.False(t, l.Enabled())

	d, err := l.Allow(context.Background(), "dave")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	var nilLimiter *Limiter
	assert.False(t, nilLimiter.Enabled())
}
