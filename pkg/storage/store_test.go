package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/backoff"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/prometheus/model/labels"
	"github.com/stretchr/testify/require"

	"github.com/loghive/loghive/pkg/chunkenc"
	"github.com/loghive/loghive/pkg/logproto"
)

func testStore(t *testing.T) (*Store, *FSObjectClient) {
	t.Helper()
	client, err := NewFSObjectClient(FSConfig{Directory: t.TempDir()})
	require.NoError(t, err)

	cfg := StoreConfig{
		MaxGetChunkConcurrency: 4,
		GetChunkBackoff:        backoff.Config{MinBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, MaxRetries: 2},
	}
	return NewStore(cfg, client, log.NewNopLogger(), prometheus.NewRegistry()), client
}

func testChunk(t *testing.T, tenant string, from, count int64) Chunk {
	t.Helper()
	mc := chunkenc.NewMemChunk(chunkenc.EncGZIP, 1024, 0)
	for i := from; i < from+count; i++ {
		require.NoError(t, mc.Append(&logproto.Entry{Timestamp: time.Unix(0, i), Line: fmt.Sprintf("line %d", i)}))
	}
	require.NoError(t, mc.Close())

	lbls := labels.Labels{{Name: "app", Value: "test"}}
	c := NewChunk(tenant, lbls.Hash(), lbls, mc)
	require.NoError(t, c.Encode())
	return c
}

func TestExternalKeyRoundTrip(t *testing.T) {
	c := testChunk(t, "tenant-a", 100, 10)
	key := c.ExternalKey()

	parsed, err := ParseExternalKey(key)
	require.NoError(t, err)
	require.Equal(t, c.TenantID, parsed.TenantID)
	require.Equal(t, c.Fingerprint, parsed.Fingerprint)
	require.Equal(t, c.From.UnixNano(), parsed.From.UnixNano())
	require.Equal(t, c.Through.UnixNano(), parsed.Through.UnixNano())
	require.Equal(t, c.Checksum, parsed.Checksum)

	_, err = ParseExternalKey("not-a-chunk-key")
	require.Error(t, err)
}

func TestPutGetRoundTrip(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	c := testChunk(t, "tenant-a", 0, 50)
	require.NoError(t, store.Put(ctx, c))

	got, err := store.Get(ctx, c.ExternalKey())
	require.NoError(t, err)
	require.Equal(t, c.Fingerprint, got.Fingerprint)

	it, err := got.Data.Iterator(time.Unix(0, 0), time.Unix(0, 50), logproto.FORWARD)
	require.NoError(t, err)
	count := 0
	for it.Next() {
		count++
	}
	require.Equal(t, 50, count)
}

func TestPutIsIdempotent(t *testing.T) {
	store, client := testStore(t)
	ctx := context.Background()

	c := testChunk(t, "tenant-a", 0, 10)
	require.NoError(t, store.Put(ctx, c))
	// A second flush of the same chunk is skipped, not duplicated.
	require.NoError(t, store.Put(ctx, c))

	objects, err := client.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, objects, 1)
}

func TestGetNotFound(t *testing.T) {
	store, _ := testStore(t)
	c := testChunk(t, "tenant-a", 0, 10)

	_, err := store.Get(context.Background(), c.ExternalKey())
	require.ErrorIs(t, err, ErrChunkNotFound)
}

func TestGetCorruptChunk(t *testing.T) {
	store, client := testStore(t)
	ctx := context.Background()

	c := testChunk(t, "tenant-a", 0, 10)
	// Store mangled bytes under the correct key.
	mangled := append([]byte{}, c.Encoded...)
	mangled[len(mangled)/2] ^= 0xff
	require.NoError(t, client.PutObject(ctx, c.ExternalKey(), mangled))

	_, err := store.Get(ctx, c.ExternalKey())
	require.ErrorIs(t, err, ErrCorruptChunk)
}

func TestGetParallelPartialResults(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	stored := testChunk(t, "tenant-a", 0, 10)
	require.NoError(t, store.Put(ctx, stored))
	missing := testChunk(t, "tenant-a", 100, 10)

	chunks, failed, err := store.GetParallel(ctx, []string{stored.ExternalKey(), missing.ExternalKey()})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.Len(t, failed, 1)
	require.ErrorIs(t, failed[0].Err, ErrChunkNotFound)
}

func TestRetentionSweeperGatedByFlag(t *testing.T) {
	_, client := testStore(t)
	ctx := context.Background()

	old := testChunk(t, "tenant-a", time.Now().Add(-100*24*time.Hour).UnixNano(), 10)
	require.NoError(t, client.PutObject(ctx, old.ExternalKey(), old.Encoded))

	// Deletion disabled: the sweep tick must not touch anything.
	disabled := NewRetentionSweeper(RetentionConfig{
		RetentionDeletesEnabled: false,
		RetentionPeriod:         31 * 24 * time.Hour,
		SweepInterval:           time.Hour,
	}, client, log.NewNopLogger(), prometheus.NewRegistry())
	require.NoError(t, disabled.sweep(ctx))

	objects, err := client.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, objects, 1)

	// Enabled: the expired chunk goes away.
	enabled := NewRetentionSweeper(RetentionConfig{
		RetentionDeletesEnabled: true,
		RetentionPeriod:         31 * 24 * time.Hour,
		SweepInterval:           time.Hour,
	}, client, log.NewNopLogger(), prometheus.NewRegistry())
	require.NoError(t, enabled.SweepOnce(ctx, time.Now()))

	objects, err = client.List(ctx, "")
	require.NoError(t, err)
	require.Empty(t, objects)
}
