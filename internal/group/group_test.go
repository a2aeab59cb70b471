package group

import (
	"context"
	"crypto/ed25519"
	"testing"

	"github.com/xmtp-go/mlscore/internal/api"
	"github.com/xmtp-go/mlscore/internal/api/memapi"
	"github.com/xmtp-go/mlscore/internal/assoc"
	"github.com/xmtp-go/mlscore/internal/identity"
	"github.com/xmtp-go/mlscore/internal/mlscore"
	"github.com/xmtp-go/mlscore/internal/store"
)

// stubVerifier accepts every ERC-191 account signature; these tests
// exercise the group state machine, not association-log cryptography.
type stubVerifier struct{}

func (stubVerifier) VerifyAccountSignature(kind assoc.SignatureKind, accountAddress string, digest, signature []byte) (bool, error) {
	return true, nil
}

type testParty struct {
	t       *testing.T
	address string
	id      *identity.Identity
	client  *Client
}

func newTestParty(t *testing.T, sharedAPI *memapi.Client, address string) *testParty {
	t.Helper()
	ctx := context.Background()

	db, err := store.Open(ctx, store.Ephemeral, "", make([]byte, 32))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	inboxID := assoc.GenerateInboxID(address, 0)
	id := identity.New(inboxID, priv, pub)

	req := id.BeginRegistration(address, 0)
	for _, slot := range req.PendingDigests() {
		if err := req.AddSignature(slot.Name, []byte("sig-"+slot.Name)); err != nil {
			t.Fatalf("AddSignature: %v", err)
		}
	}
	if err := id.Register(ctx, db, NewIdentityPublisher(sharedAPI)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	assocReq := identity.NewAddAssociationRequest(inboxID, 1, assoc.Address(address), assoc.Installation(pub))
	for _, slot := range assocReq.PendingDigests() {
		if slot.Kind == assoc.SignatureInstallationKey {
			if err := assocReq.AddSignature(slot.Name, id.Sign(slot.Digest)); err != nil {
				t.Fatalf("AddSignature installation: %v", err)
			}
			continue
		}
		if err := assocReq.AddSignature(slot.Name, []byte("sig-"+slot.Name)); err != nil {
			t.Fatalf("AddSignature address: %v", err)
		}
	}
	update, err := assocReq.ToIdentityUpdate()
	if err != nil {
		t.Fatalf("ToIdentityUpdate: %v", err)
	}
	payload, err := marshalIdentityUpdate(update)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sharedAPI.PublishIdentityUpdate(ctx, api.IdentityUpdateEnvelope{InboxID: inboxID, Payload: payload}); err != nil {
		t.Fatalf("publish self-association: %v", err)
	}

	sharedAPI.RegisterAddress(address, inboxID)

	assocLog := assoc.NewLog(db, NewRemoteLog(sharedAPI), stubVerifier{})
	c := New(db, sharedAPI, id, assocLog)

	return &testParty{t: t, address: address, id: id, client: c}
}

func TestCreateGroupAndSendMessage(t *testing.T) {
	ctx := context.Background()
	sharedAPI := memapi.New()
	alice := newTestParty(t, sharedAPI, "0xAAA")

	g, err := CreateGroup(ctx, alice.client, mlscore.PurposeConversation, "general", mlscore.PresetAllMembers)
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	intentID, err := Send(ctx, alice.client, g, []byte("hello"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if err := SyncUntilIntentResolved(ctx, alice.client, g, intentID); err != nil {
		t.Fatalf("SyncUntilIntentResolved: %v", err)
	}

	in, err := alice.client.Intents.Get(ctx, intentID)
	if err != nil {
		t.Fatal(err)
	}
	if in.State != store.IntentCommitted {
		t.Errorf("intent state = %v, want Committed", in.State)
	}

	msgs, err := alice.client.Store.ListMessages(ctx, g.ID())
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 stored message, got %d", len(msgs))
	}
	if msgs[0].DeliveryStatus != store.DeliveryPublished {
		t.Errorf("message delivery status = %v, want Published", msgs[0].DeliveryStatus)
	}
}

func TestAddMemberAndJoinFromWelcome(t *testing.T) {
	ctx := context.Background()
	sharedAPI := memapi.New()
	alice := newTestParty(t, sharedAPI, "0xAAA")
	bob := newTestParty(t, sharedAPI, "0xBBB")

	g, err := CreateGroup(ctx, alice.client, mlscore.PurposeConversation, "general", mlscore.PresetAllMembers)
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	intentID, err := AddMembers(ctx, alice.client, g, []string{"0xBBB"})
	if err != nil {
		t.Fatalf("AddMembers: %v", err)
	}
	if err := SyncUntilIntentResolved(ctx, alice.client, g, intentID); err != nil {
		t.Fatalf("SyncUntilIntentResolved: %v", err)
	}

	welcomes, err := sharedAPI.QueryWelcomeMessages(ctx, bob.id.InstallationID(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(welcomes) != 1 {
		t.Fatalf("expected 1 welcome for bob, got %d", len(welcomes))
	}

	bobGroup, err := JoinFromWelcome(ctx, bob.client, welcomes[0].Payload, welcomes[0].CreatedNS, alice.id.InboxID())
	if err != nil {
		t.Fatalf("JoinFromWelcome: %v", err)
	}
	if bobGroup.ID() != g.ID() {
		t.Errorf("bob's group id = %s, want %s", bobGroup.ID(), g.ID())
	}

	mg, _, err := loadMLSGroup(ctx, bob.client, bobGroup)
	if err != nil {
		t.Fatal(err)
	}
	if mg.MemberCount() != 2 {
		t.Errorf("member count = %d, want 2", mg.MemberCount())
	}
}

func TestAddMembersRejectedOverMaxGroupSize(t *testing.T) {
	ctx := context.Background()
	sharedAPI := memapi.New()
	alice := newTestParty(t, sharedAPI, "0xAAA")
	newTestParty(t, sharedAPI, "0xBBB") // registers 0xBBB's inbox and key package

	g, err := CreateGroup(ctx, alice.client, mlscore.PurposeConversation, "general", mlscore.PresetAllMembers)
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	alice.client.MaxGroupSize = 1

	_, err = AddMembers(ctx, alice.client, g, []string{"0xBBB"})
	if err == nil {
		t.Fatal("expected AddMembers to fail once the group is at its size limit")
	}
}
