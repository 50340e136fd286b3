package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/pulsecast/streamscribe/internal/store"
)

func newTestCache(t *testing.T, opts ...Option) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCacheWithClient(client, opts...), mr
}

func testChunk(streamID string, seq int) store.Chunk {
	return store.Chunk{
		StreamID:       streamID,
		SessionID:      "sess-1",
		ChunkID:        fmt.Sprintf("chunk-%d", seq),
		ChunkTimestamp: int64(seq) * 5000,
		StartTime:      float64(seq) * 5,
		EndTime:        float64(seq)*5 + 5,
		Text:           fmt.Sprintf("chunk %d text", seq),
		IsFinal:        true,
		CreatedAt:      time.Unix(int64(seq), 0).UTC(),
	}
}

func TestSaveAndRecent_RoundTrip(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := cache.Save(ctx, testChunk("stream-1", i)); err != nil {
			t.Fatalf("Save %d: %v", i, err)
		}
	}

	chunks, err := cache.Recent(ctx, "stream-1", 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	for i, c := range chunks {
		if c.ChunkID != fmt.Sprintf("chunk-%d", i) {
			t.Errorf("chunk[%d].ChunkID = %s, out of order", i, c.ChunkID)
		}
	}
	if chunks[0].Text != "chunk 0 text" {
		t.Errorf("Text = %q", chunks[0].Text)
	}
}

func TestSave_TrimsToMaxChunks(t *testing.T) {
	cache, _ := newTestCache(t, WithMaxChunks(3))
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		if err := cache.Save(ctx, testChunk("stream-1", i)); err != nil {
			t.Fatalf("Save %d: %v", i, err)
		}
	}

	chunks, err := cache.Recent(ctx, "stream-1", 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want cap of 3", len(chunks))
	}
	// The newest chunks survive.
	if chunks[0].ChunkID != "chunk-3" || chunks[2].ChunkID != "chunk-5" {
		t.Errorf("retained chunks = %s..%s, want chunk-3..chunk-5", chunks[0].ChunkID, chunks[2].ChunkID)
	}
}

func TestRecent_LimitReturnsNewest(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := cache.Save(ctx, testChunk("stream-1", i)); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	chunks, err := cache.Recent(ctx, "stream-1", 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if chunks[0].ChunkID != "chunk-3" || chunks[1].ChunkID != "chunk-4" {
		t.Errorf("got %s, %s; want the two newest", chunks[0].ChunkID, chunks[1].ChunkID)
	}
}

func TestRecent_UnknownStreamEmpty(t *testing.T) {
	cache, _ := newTestCache(t)
	chunks, err := cache.Recent(context.Background(), "nope", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(chunks) != 0 {
		t.Errorf("got %d chunks, want 0", len(chunks))
	}
}

func TestSave_SetsTTL(t *testing.T) {
	cache, mr := newTestCache(t, WithTTL(time.Minute))
	ctx := context.Background()

	if err := cache.Save(ctx, testChunk("stream-1", 0)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if ttl := mr.TTL(chunkKey("stream-1")); ttl != time.Minute {
		t.Errorf("TTL = %v, want 1m", ttl)
	}

	// The list expires after going quiet.
	mr.FastForward(2 * time.Minute)
	chunks, err := cache.Recent(ctx, "stream-1", 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(chunks) != 0 {
		t.Errorf("got %d chunks after expiry, want 0", len(chunks))
	}
}

func TestDrop_RemovesList(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	if err := cache.Save(ctx, testChunk("stream-1", 0)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := cache.Drop(ctx, "stream-1"); err != nil {
		t.Fatalf("Drop: %v", err)
	}

	chunks, err := cache.Recent(ctx, "stream-1", 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(chunks) != 0 {
		t.Errorf("got %d chunks after Drop, want 0", len(chunks))
	}
}

func TestPing(t *testing.T) {
	cache, mr := newTestCache(t)
	if err := cache.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
	mr.Close()
	if err := cache.Ping(context.Background()); err == nil {
		t.Error("Ping should fail after the server is gone")
	}
}
