package store_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/srg/ionlink/internal/device"
	"github.com/srg/ionlink/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0    = time.UnixMilli(1_700_000_000_000).UTC()
	drink = device.ConsumptionEvent{MemberID: "p1", Liters: 0.25, PH: 7.4, Timestamp: t0}
	check = device.QualityEvent{QualityScore: 92, AveragePH: 7.3, Timestamp: t0.Add(-time.Second)}
)

func TestMemoryIsIdempotent(t *testing.T) {
	// GOAL: redelivering an event never creates a second record
	//
	// TEST SCENARIO: store drink twice and a quality event → 2 records, 3 writes, ordered by timestamp

	m := store.NewMemory()
	require.NoError(t, m.Store(context.Background(), drink))
	require.NoError(t, m.Store(context.Background(), drink))
	require.NoError(t, m.Store(context.Background(), check))

	assert.Equal(t, 2, m.Len(), "redelivery MUST NOT duplicate records")
	assert.Equal(t, 3, m.Writes())
	events := m.Events()
	require.Len(t, events, 2)
	assert.Equal(t, device.KindQuality, events[0].Kind(), "events MUST come back in timestamp order")
}

func TestPostgresUpsert(t *testing.T) {
	// GOAL: the Postgres sink upserts on (member_id, ts, kind)
	//
	// TEST SCENARIO: migrate → store drink twice and a quality event → 2 rows

	dsn := os.Getenv("IONLINK_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("IONLINK_TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pg, err := store.Open(ctx, dsn)
	require.NoError(t, err)
	defer pg.Close()
	require.NoError(t, pg.Migrate(ctx))

	before, err := pg.Count(ctx)
	require.NoError(t, err)

	unique := drink
	unique.Timestamp = time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, pg.Store(ctx, unique))
	require.NoError(t, pg.Store(ctx, unique))
	q := check
	q.Timestamp = unique.Timestamp
	require.NoError(t, pg.Store(ctx, q))

	after, err := pg.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, before+2, after, "redelivery MUST update in place")
}

func TestOpenFailsOnUnreachableDatabase(t *testing.T) {
	// GOAL: Open reports a database it cannot reach
	//
	// TEST SCENARIO: DSN pointing at a closed port → error, no handle

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pg, err := store.Open(ctx, "postgres://ionlink@127.0.0.1:1/ionlink?sslmode=disable&connect_timeout=1")
	assert.Error(t, err)
	assert.Nil(t, pg)
}
