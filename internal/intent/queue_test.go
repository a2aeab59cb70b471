package intent

import (
	"bytes"
	"context"
	"testing"

	"github.com/xmtp-go/mlscore/internal/store"
)

func newTestQueue(t *testing.T) (*Queue, *store.Store) {
	t.Helper()
	db, err := store.Open(context.Background(), store.Ephemeral, "", bytes.Repeat([]byte{0x07}, 32))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.SaveGroup(context.Background(), store.GroupRow{ID: "group-1", MLSState: []byte("x")}); err != nil {
		t.Fatal(err)
	}
	return New(db), db
}

func TestEnqueueAndFIFOOrder(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, "group-1", SendMessage, []byte("a"), 1)
	if err != nil {
		t.Fatal(err)
	}
	second, err := q.Enqueue(ctx, "group-1", SendMessage, []byte("b"), 2)
	if err != nil {
		t.Fatal(err)
	}

	pending, err := q.ToPublishFIFO(ctx, "group-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Fatalf("len(pending) = %d, want 2", len(pending))
	}
	if pending[0].ID != first.ID || pending[1].ID != second.ID {
		t.Error("expected FIFO order by creation time")
	}
}

func TestMarkPublishedThenCommitted(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	in, err := q.Enqueue(ctx, "group-1", AddMembers, []byte("add"), 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := q.MarkPublished(ctx, in.ID, "hash-1", []byte("welcome-bytes")); err != nil {
		t.Fatalf("MarkPublished: %v", err)
	}
	got, err := q.Get(ctx, in.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != Published {
		t.Fatalf("State = %v, want Published", got.State)
	}
	if got.PayloadHash != "hash-1" {
		t.Errorf("PayloadHash = %q, want hash-1", got.PayloadHash)
	}

	if err := q.MarkCommitted(ctx, in.ID); err != nil {
		t.Fatalf("MarkCommitted: %v", err)
	}
	got, _ = q.Get(ctx, in.ID)
	if got.State != Committed {
		t.Fatalf("State = %v, want Committed", got.State)
	}
}

func TestMarkPublishedRequiresToPublishState(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	in, _ := q.Enqueue(ctx, "group-1", SendMessage, []byte("a"), 1)
	if err := q.MarkPublished(ctx, in.ID, "hash-1", nil); err != nil {
		t.Fatal(err)
	}
	if err := q.MarkPublished(ctx, in.ID, "hash-2", nil); err == nil {
		t.Fatal("expected error re-publishing an already-Published intent")
	}
}

func TestRepublishBumpsAttemptsThenErrors(t *testing.T) {
	q, _ := newTestQueue(t)
	q.WithRetryBudget(2)
	ctx := context.Background()

	in, _ := q.Enqueue(ctx, "group-1", SendMessage, []byte("a"), 1)
	if err := q.MarkPublished(ctx, in.ID, "hash-1", []byte("post")); err != nil {
		t.Fatal(err)
	}

	got, err := q.Republish(ctx, in.ID)
	if err != nil {
		t.Fatalf("Republish (1st): %v", err)
	}
	if got.State != ToPublish {
		t.Fatalf("State = %v, want ToPublish", got.State)
	}
	if got.PayloadHash != "" {
		t.Error("expected payload hash cleared on republish")
	}
	if got.PublishAttempts != 1 {
		t.Errorf("PublishAttempts = %d, want 1", got.PublishAttempts)
	}

	// Simulate the intent being published and stalled again twice more.
	if err := q.MarkPublished(ctx, in.ID, "hash-2", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Republish(ctx, in.ID); err != nil {
		t.Fatal(err)
	}
	if err := q.MarkPublished(ctx, in.ID, "hash-3", nil); err != nil {
		t.Fatal(err)
	}
	final, err := q.Republish(ctx, in.ID)
	if err != nil {
		t.Fatalf("Republish (final): %v", err)
	}
	if final.State != Error {
		t.Fatalf("State = %v, want Error after exceeding retry budget", final.State)
	}
}
