package store

import (
	"bytes"
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/xmtp-go/mlscore/internal/assoc"
)

func testKey(b byte) []byte {
	return bytes.Repeat([]byte{b}, 32)
}

func openEphemeral(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Ephemeral, "", testKey(0x01))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenWrongKeyFailsCanaryCheck(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.db")

	s, err := Open(context.Background(), Persistent, path, testKey(0x01))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Close()

	_, err = Open(context.Background(), Persistent, path, testKey(0x02))
	if err == nil {
		t.Fatal("expected ErrDbInit when reopening with the wrong key")
	}
}

func TestOpenSameKeyRoundtrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.db")

	s, err := Open(context.Background(), Persistent, path, testKey(0x03))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Close()

	s2, err := Open(context.Background(), Persistent, path, testKey(0x03))
	if err != nil {
		t.Fatalf("reopen with same key: %v", err)
	}
	s2.Close()
}

func TestUpdateCursorMonotone(t *testing.T) {
	s := openEphemeral(t)
	ctx := context.Background()

	updated, err := s.UpdateCursor(ctx, "group-1", CursorGroup, 5)
	if err != nil {
		t.Fatal(err)
	}
	if !updated {
		t.Error("expected first cursor update to succeed")
	}

	updated, err = s.UpdateCursor(ctx, "group-1", CursorGroup, 5)
	if err != nil {
		t.Fatal(err)
	}
	if updated {
		t.Error("expected equal cursor value to not update")
	}

	updated, err = s.UpdateCursor(ctx, "group-1", CursorGroup, 3)
	if err != nil {
		t.Fatal(err)
	}
	if updated {
		t.Error("expected lesser cursor value to not update")
	}

	cur, err := s.GetCursor(ctx, "group-1", CursorGroup)
	if err != nil {
		t.Fatal(err)
	}
	if cur != 5 {
		t.Errorf("GetCursor = %d, want 5", cur)
	}
}

func TestSaveAndGetGroupRoundtrip(t *testing.T) {
	s := openEphemeral(t)
	ctx := context.Background()

	g := GroupRow{
		ID:              "group-1",
		CreatedAtNS:     1000,
		MembershipState: MembershipAllowed,
		Purpose:         PurposeConversation,
		AddedByInboxID:  "inbox-1",
		MLSState:        []byte("opaque mls bytes"),
	}
	if err := s.SaveGroup(ctx, g); err != nil {
		t.Fatalf("SaveGroup: %v", err)
	}

	got, err := s.GetGroup(ctx, "group-1")
	if err != nil {
		t.Fatalf("GetGroup: %v", err)
	}
	if !bytes.Equal(got.MLSState, g.MLSState) {
		t.Error("MLSState did not round-trip")
	}
	if got.MembershipState != MembershipAllowed {
		t.Errorf("MembershipState = %v, want Allowed", got.MembershipState)
	}

	// Mutating the stored struct afterward must update the cached row too.
	g.MembershipState = MembershipRejected
	if err := s.SaveGroup(ctx, g); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetGroup(ctx, "group-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.MembershipState != MembershipRejected {
		t.Errorf("MembershipState after update = %v, want Rejected", got.MembershipState)
	}
}

func TestGetGroupNotFound(t *testing.T) {
	s := openEphemeral(t)
	if _, err := s.GetGroup(context.Background(), "missing"); err != sql.ErrNoRows {
		t.Errorf("err = %v, want sql.ErrNoRows", err)
	}
}

func TestInsertMessageDeduplicatesByID(t *testing.T) {
	s := openEphemeral(t)
	ctx := context.Background()

	if err := s.SaveGroup(ctx, GroupRow{ID: "group-1", MLSState: []byte("x")}); err != nil {
		t.Fatal(err)
	}

	id := ComputeMessageID("group-1", []byte("hello"), "inbox-1", []byte("idem-1"))
	m := MessageRow{ID: id, GroupID: "group-1", DecryptedBytes: []byte("hello"), SentAtNS: 1, Kind: MessageApplication, DeliveryStatus: DeliveryUnpublished}
	if err := s.InsertMessage(ctx, m); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}
	if err := s.InsertMessage(ctx, m); err != nil {
		t.Fatalf("duplicate InsertMessage: %v", err)
	}

	msgs, err := s.ListMessages(ctx, "group-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("len(msgs) = %d, want 1", len(msgs))
	}
	if !bytes.Equal(msgs[0].DecryptedBytes, []byte("hello")) {
		t.Error("decrypted payload did not round-trip")
	}

	if err := s.UpdateMessageDeliveryStatus(ctx, id, DeliveryPublished); err != nil {
		t.Fatalf("UpdateMessageDeliveryStatus: %v", err)
	}
	msgs, _ = s.ListMessages(ctx, "group-1")
	if msgs[0].DeliveryStatus != DeliveryPublished {
		t.Errorf("DeliveryStatus = %v, want Published", msgs[0].DeliveryStatus)
	}
}

func TestIntentLifecycle(t *testing.T) {
	s := openEphemeral(t)
	ctx := context.Background()

	if err := s.SaveGroup(ctx, GroupRow{ID: "group-1", MLSState: []byte("x")}); err != nil {
		t.Fatal(err)
	}

	in := IntentRow{ID: "intent-1", GroupID: "group-1", Kind: IntentSendMessage, State: IntentToPublish, Data: []byte("payload"), CreatedAtNS: 1}
	if err := s.InsertIntent(ctx, in); err != nil {
		t.Fatalf("InsertIntent: %v", err)
	}

	toPublish, err := s.ListIntentsByGroupState(ctx, "group-1", IntentToPublish)
	if err != nil {
		t.Fatal(err)
	}
	if len(toPublish) != 1 || !bytes.Equal(toPublish[0].Data, []byte("payload")) {
		t.Fatalf("unexpected ToPublish intents: %+v", toPublish)
	}

	if err := s.MarkIntentPublished(ctx, "intent-1", "hash-1", []byte("post-commit"), 1); err != nil {
		t.Fatalf("MarkIntentPublished: %v", err)
	}
	got, err := s.GetIntent(ctx, "intent-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != IntentPublished {
		t.Errorf("State = %v, want Published", got.State)
	}
	if got.PayloadHash != "hash-1" {
		t.Errorf("PayloadHash = %q, want hash-1", got.PayloadHash)
	}
	if !bytes.Equal(got.PostCommitData, []byte("post-commit")) {
		t.Error("PostCommitData did not round-trip")
	}
}

func TestIdentityUpdateRoundtripAndRegistration(t *testing.T) {
	s := openEphemeral(t)
	ctx := context.Background()

	update := assoc.IdentityUpdate{
		InboxID:           "inbox-1",
		ClientTimestampNS: 1,
		Actions: []assoc.Action{{
			Kind:                    assoc.ActionCreateInbox,
			AccountAddress:          "0xAAA",
			InitialAddressSignature: assoc.VerifiedSignature{Signer: assoc.Address("0xAAA"), Kind: assoc.SignatureERC191, RawBytes: []byte("sig")},
		}},
	}
	if err := s.InsertIdentityUpdate(ctx, "inbox-1", 1, update); err != nil {
		t.Fatalf("InsertIdentityUpdate: %v", err)
	}

	updates, err := s.ListIdentityUpdates(ctx, "inbox-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(updates) != 1 || updates[0].Actions[0].AccountAddress != "0xAAA" {
		t.Fatalf("unexpected updates: %+v", updates)
	}

	registered, err := s.InboxRegistered(ctx, "inbox-1")
	if err != nil {
		t.Fatal(err)
	}
	if registered {
		t.Error("inbox should not be registered yet")
	}
	if err := s.MarkInboxRegistered(ctx, "inbox-1"); err != nil {
		t.Fatal(err)
	}
	registered, err = s.InboxRegistered(ctx, "inbox-1")
	if err != nil {
		t.Fatal(err)
	}
	if !registered {
		t.Error("inbox should be registered after MarkInboxRegistered")
	}
}

func TestEpochArchiveRoundtrip(t *testing.T) {
	s := openEphemeral(t)
	ctx := context.Background()
	if err := s.SaveGroup(ctx, GroupRow{ID: "group-1", MLSState: []byte("x")}); err != nil {
		t.Fatal(err)
	}

	if err := s.SaveEpochArchive(ctx, "group-1", []byte("sealed-archive-bytes")); err != nil {
		t.Fatalf("SaveEpochArchive: %v", err)
	}
	got, err := s.LoadEpochArchive(ctx, "group-1")
	if err != nil {
		t.Fatalf("LoadEpochArchive: %v", err)
	}
	if !bytes.Equal(got, []byte("sealed-archive-bytes")) {
		t.Error("epoch archive did not round-trip")
	}
}
