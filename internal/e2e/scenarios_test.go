// Package e2e exercises full client-to-client scenarios against the
// in-memory backend: two or more local clients, each with their own
// ephemeral store, talking through a single shared api.Client the way
// independent installations would talk through a real server.
package e2e

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"testing"

	"github.com/xmtp-go/mlscore/internal/api"
	"github.com/xmtp-go/mlscore/internal/api/memapi"
	"github.com/xmtp-go/mlscore/internal/assoc"
	"github.com/xmtp-go/mlscore/internal/group"
	"github.com/xmtp-go/mlscore/internal/identity"
	"github.com/xmtp-go/mlscore/internal/mlscore"
	"github.com/xmtp-go/mlscore/internal/store"
	"github.com/xmtp-go/mlscore/internal/xerrors"
)

// acceptAll treats every account-level signature as valid; these
// scenarios drive the group and sync machinery, not association-log
// cryptography, which internal/assoc and internal/verifier already
// cover on their own.
type acceptAll struct{}

func (acceptAll) VerifyAccountSignature(kind assoc.SignatureKind, accountAddress string, digest, signature []byte) (bool, error) {
	return true, nil
}

type party struct {
	t       *testing.T
	address string
	inboxID string
	id      *identity.Identity
	client  *group.Client
}

func newParty(t *testing.T, sharedAPI *memapi.Client, address string) *party {
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
	if err := id.Register(ctx, db, group.NewIdentityPublisher(sharedAPI)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	assocReq := identity.NewAddAssociationRequest(inboxID, 1, assoc.Address(address), assoc.Installation(pub))
	for _, slot := range assocReq.PendingDigests() {
		var sig []byte
		if slot.Kind == assoc.SignatureInstallationKey {
			sig = id.Sign(slot.Digest)
		} else {
			sig = []byte("sig-" + slot.Name)
		}
		if err := assocReq.AddSignature(slot.Name, sig); err != nil {
			t.Fatalf("AddSignature: %v", err)
		}
	}
	update, err := assocReq.ToIdentityUpdate()
	if err != nil {
		t.Fatal(err)
	}
	payload, err := json.Marshal(update)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sharedAPI.PublishIdentityUpdate(ctx, api.IdentityUpdateEnvelope{InboxID: inboxID, Payload: payload}); err != nil {
		t.Fatalf("publish self-association: %v", err)
	}
	sharedAPI.RegisterAddress(address, inboxID)

	assocLog := assoc.NewLog(db, group.NewRemoteLog(sharedAPI), acceptAll{})
	c := group.New(db, sharedAPI, id, assocLog)

	return &party{t: t, address: address, inboxID: inboxID, id: id, client: c}
}

// join queries every welcome waiting for p's installation and joins p
// to each one, returning the resulting group handles keyed by group
// id. It does not publish or process any group messages.
func (p *party) join(ctx context.Context, t *testing.T) map[string]group.Group {
	t.Helper()
	welcomes, err := p.client.API.QueryWelcomeMessages(ctx, p.id.InstallationID(), 0)
	if err != nil {
		t.Fatalf("QueryWelcomeMessages: %v", err)
	}
	joined := map[string]group.Group{}
	for _, w := range welcomes {
		g, err := group.JoinFromWelcome(ctx, p.client, w.Payload, w.CreatedNS, "")
		if err != nil {
			t.Fatalf("JoinFromWelcome: %v", err)
		}
		joined[g.ID()] = g
	}
	return joined
}

func mustResolve(t *testing.T, ctx context.Context, c *group.Client, g group.Group, intentID string, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := group.SyncUntilIntentResolved(ctx, c, g, intentID); err != nil {
		t.Fatalf("SyncUntilIntentResolved: %v", err)
	}
}

// Scenario 1: create+add+send. A creates G, adds B by address, sends
// "hello"; after B syncs, B sees 2 members and the decrypted message.
func TestCreateAddSend(t *testing.T) {
	ctx := context.Background()
	sharedAPI := memapi.New()
	alice := newParty(t, sharedAPI, "0xAAA")
	bob := newParty(t, sharedAPI, "0xBBB")

	g, err := group.CreateGroup(ctx, alice.client, mlscore.PurposeConversation, "general", mlscore.PresetAllMembers)
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	intentID, err := group.AddMembers(ctx, alice.client, g, []string{"0xBBB"})
	mustResolve(t, ctx, alice.client, g, intentID, err)

	intentID, err = group.Send(ctx, alice.client, g, []byte("hello"))
	mustResolve(t, ctx, alice.client, g, intentID, err)

	joined := bob.join(ctx, t)
	bobGroup, ok := joined[g.ID()]
	if !ok {
		t.Fatal("bob did not receive a welcome for the group")
	}
	if err := group.ProcessInbound(ctx, bob.client, bobGroup); err != nil {
		t.Fatalf("ProcessInbound: %v", err)
	}

	info, err := group.Describe(ctx, bob.client, bobGroup)
	if err != nil {
		t.Fatal(err)
	}
	if info.MemberCount != 2 {
		t.Errorf("bob's member count = %d, want 2", info.MemberCount)
	}

	msgs, err := bob.client.Store.ListMessages(ctx, bobGroup.ID())
	if err != nil {
		t.Fatal(err)
	}
	var appMsgs []store.MessageRow
	for _, m := range msgs {
		if m.Kind == store.MessageApplication {
			appMsgs = append(appMsgs, m)
		}
	}
	if len(appMsgs) != 1 || string(appMsgs[0].DecryptedBytes) != "hello" {
		t.Fatalf("bob's application messages = %+v, want one message with plaintext \"hello\"", appMsgs)
	}
}

// Scenario 2: concurrent add. A and B are both in G; both add C. After
// the first commit lands, the second installation's AddMembers intent
// becomes a no-op and resolves gracefully instead of erroring (G5).
func TestConcurrentAddResolvesAsNoOp(t *testing.T) {
	ctx := context.Background()
	sharedAPI := memapi.New()
	alice := newParty(t, sharedAPI, "0xAAA")
	bob := newParty(t, sharedAPI, "0xBBB")
	newParty(t, sharedAPI, "0xCCC")

	g, err := group.CreateGroup(ctx, alice.client, mlscore.PurposeConversation, "general", mlscore.PresetAllMembers)
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	intentID, err := group.AddMembers(ctx, alice.client, g, []string{"0xBBB"})
	mustResolve(t, ctx, alice.client, g, intentID, err)

	joined := bob.join(ctx, t)
	bobGroup := joined[g.ID()]

	aliceIntent, err := group.AddMembers(ctx, alice.client, g, []string{"0xCCC"})
	if err != nil {
		t.Fatalf("alice AddMembers: %v", err)
	}
	if err := group.SyncUntilIntentResolved(ctx, alice.client, g, aliceIntent); err != nil {
		t.Fatalf("alice sync: %v", err)
	}

	bobIntent, err := group.AddMembers(ctx, bob.client, bobGroup, []string{"0xCCC"})
	if err != nil {
		t.Fatalf("bob AddMembers: %v", err)
	}
	if err := group.SyncUntilIntentResolved(ctx, bob.client, bobGroup, bobIntent); err != nil {
		t.Fatalf("bob's redundant add should resolve, not error: %v", err)
	}
	in, err := bob.client.Intents.Get(ctx, bobIntent)
	if err != nil {
		t.Fatal(err)
	}
	if in.State != store.IntentCommitted {
		t.Errorf("bob's intent state = %v, want Committed", in.State)
	}

	aliceInfo, err := group.Describe(ctx, alice.client, g)
	if err != nil {
		t.Fatal(err)
	}
	bobInfo, err := group.Describe(ctx, bob.client, bobGroup)
	if err != nil {
		t.Fatal(err)
	}
	if aliceInfo.MemberCount != 3 || bobInfo.MemberCount != 3 {
		t.Errorf("member counts = alice %d, bob %d, want 3 and 3", aliceInfo.MemberCount, bobInfo.MemberCount)
	}
}

// Scenario 2b: genuine concurrent fork. A and B are both in a group
// with D. A adds C while B, still on the stale pre-add epoch, removes
// D. B's first commit attempt is built against an epoch the server has
// already consumed by A's commit, so it is rejected and rebuilt
// against A's landed state (G5) instead of silently overwriting it:
// the final membership reflects both mutations rather than losing
// either one.
func TestConcurrentAddAndRemoveBothApply(t *testing.T) {
	ctx := context.Background()
	sharedAPI := memapi.New()
	alice := newParty(t, sharedAPI, "0xAAA")
	bob := newParty(t, sharedAPI, "0xBBB")
	carol := newParty(t, sharedAPI, "0xCCC")
	dave := newParty(t, sharedAPI, "0xDDD")

	g, err := group.CreateGroup(ctx, alice.client, mlscore.PurposeConversation, "general", mlscore.PresetAllMembers)
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	intentID, err := group.AddMembers(ctx, alice.client, g, []string{"0xBBB", "0xDDD"})
	mustResolve(t, ctx, alice.client, g, intentID, err)

	joined := bob.join(ctx, t)
	bobGroup := joined[g.ID()]

	// Both installations start from the same landed epoch: bob has not
	// yet learned about alice's upcoming commit, and vice versa.
	aliceIntent, err := group.AddMembers(ctx, alice.client, g, []string{"0xCCC"})
	if err != nil {
		t.Fatalf("alice AddMembers: %v", err)
	}
	bobIntent, err := group.RemoveMembers(ctx, bob.client, bobGroup, []string{dave.inboxID})
	if err != nil {
		t.Fatalf("bob RemoveMembers: %v", err)
	}

	// Alice lands first, consuming the shared base epoch at the server.
	if err := group.SyncUntilIntentResolved(ctx, alice.client, g, aliceIntent); err != nil {
		t.Fatalf("alice sync: %v", err)
	}
	// Bob's first publish attempt targets the now-stale epoch and must
	// be rejected, then rebuilt against alice's landed commit and
	// resolved cleanly rather than erroring or dropping alice's add.
	if err := group.SyncUntilIntentResolved(ctx, bob.client, bobGroup, bobIntent); err != nil {
		t.Fatalf("bob sync after epoch conflict: %v", err)
	}

	if err := group.ProcessInbound(ctx, alice.client, g); err != nil {
		t.Fatalf("alice ProcessInbound: %v", err)
	}

	aliceInfo, err := group.Describe(ctx, alice.client, g)
	if err != nil {
		t.Fatal(err)
	}
	bobInfo, err := group.Describe(ctx, bob.client, bobGroup)
	if err != nil {
		t.Fatal(err)
	}
	for name, info := range map[string]*group.Info{"alice": aliceInfo, "bob": bobInfo} {
		if info.MemberCount != 3 {
			t.Errorf("%s member count = %d, want 3 (alice, bob, carol; dave removed)", name, info.MemberCount)
		}
		if !containsInboxID(info.MemberInboxIDs, carol.inboxID) {
			t.Errorf("%s members = %v, want carol's add to have survived", name, info.MemberInboxIDs)
		}
		if containsInboxID(info.MemberInboxIDs, dave.inboxID) {
			t.Errorf("%s members = %v, want dave's remove to have survived", name, info.MemberInboxIDs)
		}
	}
}

func containsInboxID(ids []string, target string) bool {
	for _, id := range ids {
		if id == target {
			return true
		}
	}
	return false
}

// Scenario 3: admins-only. B cannot add members until promoted.
func TestAdminsOnlyPolicy(t *testing.T) {
	ctx := context.Background()
	sharedAPI := memapi.New()
	alice := newParty(t, sharedAPI, "0xAAA")
	bob := newParty(t, sharedAPI, "0xBBB")
	newParty(t, sharedAPI, "0xCCC")

	g, err := group.CreateGroup(ctx, alice.client, mlscore.PurposeConversation, "admins group", mlscore.PresetAdminsOnly)
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	intentID, err := group.AddMembers(ctx, alice.client, g, []string{"0xBBB"})
	mustResolve(t, ctx, alice.client, g, intentID, err)

	joined := bob.join(ctx, t)
	bobGroup := joined[g.ID()]

	if _, err := group.AddMembers(ctx, bob.client, bobGroup, []string{"0xCCC"}); xerrors.KindOf(err) != xerrors.KindAuthorization {
		t.Fatalf("bob's AddMembers before promotion: kind = %v, want Authorization", xerrors.KindOf(err))
	}
	info, err := group.Describe(ctx, alice.client, g)
	if err != nil {
		t.Fatal(err)
	}
	if info.MemberCount != 2 {
		t.Errorf("member count after rejected add = %d, want 2", info.MemberCount)
	}

	promoteIntent, err := group.AddAdmin(ctx, alice.client, g, bob.inboxID, false)
	mustResolve(t, ctx, alice.client, g, promoteIntent, err)

	if err := group.ProcessInbound(ctx, bob.client, bobGroup); err != nil {
		t.Fatalf("bob ProcessInbound: %v", err)
	}
	addIntent, err := group.AddMembers(ctx, bob.client, bobGroup, []string{"0xCCC"})
	mustResolve(t, ctx, bob.client, bobGroup, addIntent, err)

	if err := group.ProcessInbound(ctx, alice.client, g); err != nil {
		t.Fatalf("alice ProcessInbound: %v", err)
	}
	info, err = group.Describe(ctx, alice.client, g)
	if err != nil {
		t.Fatal(err)
	}
	if info.MemberCount != 3 {
		t.Errorf("member count after promoted add = %d, want 3", info.MemberCount)
	}
}

// Scenario 5: limit. Once a group is at its configured MaxGroupSize,
// AddMembers fails UserLimitExceeded and leaves membership unchanged.
func TestAddMembersOverLimit(t *testing.T) {
	ctx := context.Background()
	sharedAPI := memapi.New()
	alice := newParty(t, sharedAPI, "0xAAA")
	newParty(t, sharedAPI, "0xBBB")

	g, err := group.CreateGroup(ctx, alice.client, mlscore.PurposeConversation, "capped", mlscore.PresetAllMembers)
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	alice.client.MaxGroupSize = 1

	if _, err := group.AddMembers(ctx, alice.client, g, []string{"0xBBB"}); xerrors.KindOf(err) != xerrors.KindLimit {
		t.Fatalf("AddMembers over limit: kind = %v, want Limit (UserLimitExceeded)", xerrors.KindOf(err))
	}
	info, err := group.Describe(ctx, alice.client, g)
	if err != nil {
		t.Fatal(err)
	}
	if info.MemberCount != 1 {
		t.Errorf("member count after rejected add = %d, want 1", info.MemberCount)
	}
}

// Scenario 6: metadata+remove+readd. Rename, remove B, re-add B, send
// "hi"; B's final view has the new name and can decrypt the last
// message.
func TestMetadataRemoveReaddSend(t *testing.T) {
	ctx := context.Background()
	sharedAPI := memapi.New()
	alice := newParty(t, sharedAPI, "0xAAA")
	bob := newParty(t, sharedAPI, "0xBBB")

	g, err := group.CreateGroup(ctx, alice.client, mlscore.PurposeConversation, "general", mlscore.PresetAllMembers)
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	intentID, err := group.AddMembers(ctx, alice.client, g, []string{"0xBBB"})
	mustResolve(t, ctx, alice.client, g, intentID, err)
	joined := bob.join(ctx, t)
	bobGroup := joined[g.ID()]

	intentID, err = group.UpdateGroupName(ctx, alice.client, g, "N1")
	mustResolve(t, ctx, alice.client, g, intentID, err)

	intentID, err = group.RemoveMembers(ctx, alice.client, g, []string{bob.inboxID})
	mustResolve(t, ctx, alice.client, g, intentID, err)

	intentID, err = group.AddMembers(ctx, alice.client, g, []string{"0xBBB"})
	mustResolve(t, ctx, alice.client, g, intentID, err)

	intentID, err = group.Send(ctx, alice.client, g, []byte("hi"))
	mustResolve(t, ctx, alice.client, g, intentID, err)

	rejoined := bob.join(ctx, t)
	bobGroup, ok := rejoined[g.ID()]
	if !ok {
		bobGroup = joined[g.ID()]
	}
	if err := group.ProcessInbound(ctx, bob.client, bobGroup); err != nil {
		t.Fatalf("bob ProcessInbound: %v", err)
	}

	info, err := group.Describe(ctx, bob.client, bobGroup)
	if err != nil {
		t.Fatal(err)
	}
	if info.Name != "N1" {
		t.Errorf("bob's group name = %q, want %q", info.Name, "N1")
	}

	msgs, err := bob.client.Store.ListMessages(ctx, bobGroup.ID())
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) == 0 {
		t.Fatal("bob has no stored messages")
	}
	last := msgs[len(msgs)-1]
	if string(last.DecryptedBytes) != "hi" {
		t.Errorf("bob's last message = %q, want %q", last.DecryptedBytes, "hi")
	}
}
