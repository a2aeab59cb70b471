package assoc

import (
	"crypto/ed25519"
	"encoding/hex"
	"testing"
)

// stubVerifier treats every account-level signature as valid unless
// its raw bytes equal the sentinel "bad-sig", which lets tests exercise
// the precondition logic in apply.go without a real chain RPC.
type stubVerifier struct{}

func (stubVerifier) VerifyAccountSignature(kind SignatureKind, accountAddress string, digest, signature []byte) (bool, error) {
	return string(signature) != "bad-sig", nil
}

func addrSig(addr string, raw string) VerifiedSignature {
	return VerifiedSignature{
		Signer:   Address(addr),
		Kind:     SignatureERC191,
		Digest:   []byte("digest"),
		RawBytes: []byte(raw),
	}
}

func createUpdate(inboxID, addr string, ts uint64, raw string) IdentityUpdate {
	return IdentityUpdate{
		InboxID:           inboxID,
		ClientTimestampNS: ts,
		Actions: []Action{{
			Kind:                    ActionCreateInbox,
			AccountAddress:          addr,
			InitialAddressSignature: addrSig(addr, raw),
		}},
	}
}

func addUpdate(inboxID string, ts uint64, existing MemberIdentifier, existingRaw string, newID MemberIdentifier, newRaw string) IdentityUpdate {
	return IdentityUpdate{
		InboxID:           inboxID,
		ClientTimestampNS: ts,
		Actions: []Action{{
			Kind:                  ActionAddAssociation,
			NewMemberIdentifier:   newID,
			ExistingMemberSignature: VerifiedSignature{Signer: existing, Kind: SignatureERC191, Digest: []byte("digest"), RawBytes: []byte(existingRaw)},
			NewMemberSignature:      VerifiedSignature{Signer: newID, Kind: SignatureERC191, Digest: []byte("digest"), RawBytes: []byte(newRaw)},
		}},
	}
}

func TestCreateInbox(t *testing.T) {
	u := createUpdate("inbox-1", "0xAAA", 1, "sig-create")
	s, err := Apply(nil, stubVerifier{}, u)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if s.MemberCount() != 1 {
		t.Errorf("MemberCount = %d, want 1", s.MemberCount())
	}
	if s.RecoveryAddress != "0xAAA" {
		t.Errorf("RecoveryAddress = %q, want 0xAAA", s.RecoveryAddress)
	}
	if !s.IsMember(Address("0xAAA")) {
		t.Error("creator must be a member")
	}
}

func TestCreateAndAddSeparatelySetsAddedByEntity(t *testing.T) {
	u1 := createUpdate("inbox-1", "0xAAA", 1, "sig-create")
	s1, err := Apply(nil, stubVerifier{}, u1)
	if err != nil {
		t.Fatal(err)
	}
	u2 := addUpdate("inbox-1", 2, Address("0xAAA"), "sig-existing", Address("0xBBB"), "sig-new")
	s2, err := Apply(s1, stubVerifier{}, u2)
	if err != nil {
		t.Fatalf("Apply add: %v", err)
	}
	rec, ok := s2.Members[Address("0xBBB")]
	if !ok {
		t.Fatal("0xBBB must be a member")
	}
	if rec.AddedByEntity == nil || *rec.AddedByEntity != Address("0xAAA") {
		t.Errorf("AddedByEntity = %v, want 0xAAA", rec.AddedByEntity)
	}
	// Original state must be untouched (Apply is pure).
	if s1.MemberCount() != 1 {
		t.Errorf("original state mutated: MemberCount = %d, want 1", s1.MemberCount())
	}
}

func TestAddInstallationFromAddressThenRejectInstallationAddingInstallation(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	instID := Installation(pub)

	u1 := createUpdate("inbox-1", "0xAAA", 1, "sig-create")
	s1, _ := Apply(nil, stubVerifier{}, u1)

	digest := []byte("digest")
	instSig := ed25519.Sign(priv, digest)
	u2 := IdentityUpdate{
		InboxID:           "inbox-1",
		ClientTimestampNS: 2,
		Actions: []Action{{
			Kind:                  ActionAddAssociation,
			NewMemberIdentifier:   instID,
			ExistingMemberSignature: addrSig("0xAAA", "sig-existing"),
			NewMemberSignature:      VerifiedSignature{Signer: instID, Kind: SignatureInstallationKey, Digest: digest, RawBytes: instSig},
		}},
	}
	s2, err := Apply(s1, stubVerifier{}, u2)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !s2.IsMember(instID) {
		t.Error("installation must be a member after add")
	}

	// Installation adding another Installation must be rejected.
	pub2, _, _ := ed25519.GenerateKey(nil)
	inst2 := Installation(pub2)
	u3 := IdentityUpdate{
		InboxID:           "inbox-1",
		ClientTimestampNS: 3,
		Actions: []Action{{
			Kind:                  ActionAddAssociation,
			NewMemberIdentifier:   inst2,
			ExistingMemberSignature: VerifiedSignature{Signer: instID, Kind: SignatureInstallationKey, Digest: digest, RawBytes: ed25519.Sign(priv, digest)},
			NewMemberSignature:      VerifiedSignature{Signer: inst2, Kind: SignatureInstallationKey, Digest: digest, RawBytes: []byte("whatever")},
		}},
	}
	if _, err := Apply(s2, stubVerifier{}, u3); err == nil {
		t.Fatal("expected MemberNotAllowed for installation adding installation")
	}
}

func TestRejectIfSignerNotExistingMember(t *testing.T) {
	u1 := createUpdate("inbox-1", "0xAAA", 1, "sig-create")
	s1, _ := Apply(nil, stubVerifier{}, u1)

	u2 := addUpdate("inbox-1", 2, Address("0xZZZ"), "sig-existing", Address("0xBBB"), "sig-new")
	_, err := Apply(s1, stubVerifier{}, u2)
	if err == nil {
		t.Fatal("expected MissingExistingMember error")
	}
}

func TestNewMemberIDSignatureMismatch(t *testing.T) {
	u1 := createUpdate("inbox-1", "0xAAA", 1, "sig-create")
	s1, _ := Apply(nil, stubVerifier{}, u1)

	u2 := IdentityUpdate{
		InboxID:           "inbox-1",
		ClientTimestampNS: 2,
		Actions: []Action{{
			Kind:                  ActionAddAssociation,
			NewMemberIdentifier:   Address("0xBBB"),
			ExistingMemberSignature: addrSig("0xAAA", "sig-existing"),
			NewMemberSignature:      addrSig("0xCCC", "sig-new"), // wrong signer
		}},
	}
	if _, err := Apply(s1, stubVerifier{}, u2); err == nil {
		t.Fatal("expected NewMemberIdSignatureMismatch")
	}
}

func TestReplaySignatureRejected(t *testing.T) {
	u1 := createUpdate("inbox-1", "0xAAA", 1, "sig-create")
	s1, _ := Apply(nil, stubVerifier{}, u1)

	u2 := createUpdate("inbox-1", "0xAAA", 2, "sig-create") // reuses raw bytes
	if _, err := Apply(s1, stubVerifier{}, u2); err == nil {
		t.Fatal("expected Replay error for reused signature bytes")
	}
}

func TestRevokeSingleMember(t *testing.T) {
	s1, _ := Apply(nil, stubVerifier{}, createUpdate("inbox-1", "0xAAA", 1, "sig-create"))
	s2, _ := Apply(s1, stubVerifier{}, addUpdate("inbox-1", 2, Address("0xAAA"), "sig-existing", Address("0xBBB"), "sig-new"))

	revoke := IdentityUpdate{
		InboxID:           "inbox-1",
		ClientTimestampNS: 3,
		Actions: []Action{{
			Kind:                     ActionRevokeAssociation,
			RevokedMember:            Address("0xBBB"),
			RecoveryAddressSignature: addrSig("0xAAA", "sig-revoke"),
		}},
	}
	s3, err := Apply(s2, stubVerifier{}, revoke)
	if err != nil {
		t.Fatalf("Apply revoke: %v", err)
	}
	if s3.MemberCount() != 1 {
		t.Errorf("MemberCount after revoke = %d, want 1", s3.MemberCount())
	}
}

func TestRevokeCascade(t *testing.T) {
	s, _ := Apply(nil, stubVerifier{}, createUpdate("inbox-1", "0xW", 1, "sig-create"))
	s, _ = Apply(s, stubVerifier{}, addUpdate("inbox-1", 2, Address("0xW"), "sig-x1", Address("0xX"), "sig-x2"))
	s, _ = Apply(s, stubVerifier{}, addUpdate("inbox-1", 3, Address("0xW"), "sig-y1", Address("0xY"), "sig-y2"))
	if s.MemberCount() != 3 {
		t.Fatalf("setup: MemberCount = %d, want 3", s.MemberCount())
	}

	revoke := IdentityUpdate{
		InboxID:           "inbox-1",
		ClientTimestampNS: 4,
		Actions: []Action{{
			Kind:                     ActionRevokeAssociation,
			RevokedMember:            Address("0xW"),
			RecoveryAddressSignature: addrSig("0xW", "sig-revoke-w"),
		}},
	}
	final, err := Apply(s, stubVerifier{}, revoke)
	if err != nil {
		t.Fatalf("Apply revoke cascade: %v", err)
	}
	if final.MemberCount() != 0 {
		t.Errorf("MemberCount after cascade revoke = %d, want 0", final.MemberCount())
	}
}

func TestChangeRecoveryAddressInvalidatesOldSigner(t *testing.T) {
	s, _ := Apply(nil, stubVerifier{}, createUpdate("inbox-1", "0xW", 1, "sig-create"))

	change := IdentityUpdate{
		InboxID:           "inbox-1",
		ClientTimestampNS: 2,
		Actions: []Action{{
			Kind:                     ActionChangeRecoveryAddress,
			NewRecoveryAddress:       "0xNEW",
			RecoveryAddressSignature: addrSig("0xW", "sig-change"),
		}},
	}
	s, err := Apply(s, stubVerifier{}, change)
	if err != nil {
		t.Fatalf("Apply change recovery: %v", err)
	}
	if s.RecoveryAddress != "0xNEW" {
		t.Fatalf("RecoveryAddress = %q, want 0xNEW", s.RecoveryAddress)
	}

	revoke := IdentityUpdate{
		InboxID:           "inbox-1",
		ClientTimestampNS: 3,
		Actions: []Action{{
			Kind:                     ActionRevokeAssociation,
			RevokedMember:            Address("0xW"),
			RecoveryAddressSignature: addrSig("0xW", "sig-revoke-old"), // old recovery address, no longer authorized
		}},
	}
	if _, err := Apply(s, stubVerifier{}, revoke); err == nil {
		t.Fatal("expected old recovery address signature to be rejected after change")
	}
}

func TestGetStateFoldsUnorderedUpdates(t *testing.T) {
	u1 := createUpdate("inbox-1", "0xAAA", 1, "sig-create")
	u2 := addUpdate("inbox-1", 2, Address("0xAAA"), "sig-existing", Address("0xBBB"), "sig-new")

	// Pass out of timestamp order; GetState must sort before folding.
	s, err := GetState(stubVerifier{}, []IdentityUpdate{u2, u1})
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if s.MemberCount() != 2 {
		t.Errorf("MemberCount = %d, want 2", s.MemberCount())
	}
}

func TestGetStateWithoutCreateFails(t *testing.T) {
	u2 := addUpdate("inbox-1", 2, Address("0xAAA"), "sig-existing", Address("0xBBB"), "sig-new")
	if _, err := GetState(stubVerifier{}, []IdentityUpdate{u2}); err == nil {
		t.Fatal("expected ErrNotCreated")
	}
}

func TestAssociationStateDiff(t *testing.T) {
	s1, _ := Apply(nil, stubVerifier{}, createUpdate("inbox-1", "0xAAA", 1, "sig-create"))
	s2, _ := Apply(s1, stubVerifier{}, addUpdate("inbox-1", 2, Address("0xAAA"), "sig-existing", Address("0xBBB"), "sig-new"))

	diff := s1.Diff(s2)
	if len(diff.NewMembers) != 1 || diff.NewMembers[0] != Address("0xBBB") {
		t.Errorf("NewMembers = %v, want [0xBBB]", diff.NewMembers)
	}
	if len(diff.RemovedMembers) != 0 {
		t.Errorf("RemovedMembers = %v, want none", diff.RemovedMembers)
	}
	if diff.Rendered == "" {
		t.Error("expected non-empty rendered diff")
	}
}

func TestGenerateInboxIDDeterministic(t *testing.T) {
	id1 := GenerateInboxID("0xAAA", 0)
	id2 := GenerateInboxID("0xAAA", 0)
	id3 := GenerateInboxID("0xAAA", 1)
	if id1 != id2 {
		t.Error("same inputs must produce same inbox id")
	}
	if id1 == id3 {
		t.Error("different nonce must produce different inbox id")
	}
	if _, err := hex.DecodeString(id1); err != nil {
		t.Errorf("inbox id must be hex-encoded: %v", err)
	}
}
