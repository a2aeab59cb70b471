package assoc

import (
	"crypto/ed25519"
	"encoding/hex"
	"sort"

	"github.com/xmtp-go/mlscore/internal/xerrors"
)

// Verifier checks an account-level signature (ERC-191 or
// LegacyDelegated). It is the narrow capability named in the purpose
// section as an external collaborator; installation-key signatures
// are verified locally with plain Ed25519 since no chain RPC is
// needed for those.
type Verifier interface {
	VerifyAccountSignature(kind SignatureKind, accountAddress string, digest, signature []byte) (bool, error)
}

func verifySignature(v Verifier, sig VerifiedSignature) (bool, error) {
	switch sig.Kind {
	case SignatureInstallationKey:
		pub, err := hex.DecodeString(sig.Signer.Value)
		if err != nil || len(pub) != ed25519.PublicKeySize {
			return false, nil
		}
		return ed25519.Verify(ed25519.PublicKey(pub), sig.Digest, sig.RawBytes), nil
	default:
		return v.VerifyAccountSignature(sig.Kind, sig.Signer.Value, sig.Digest, sig.RawBytes)
	}
}

// recordSignature inserts sig's raw bytes into state's replay set,
// and for LegacyDelegated signatures also consumes the one-shot nonce.
// Returns a Replay error without mutating state if either has already
// been seen.
func recordSignature(state *AssociationState, sig VerifiedSignature) error {
	key := hex.EncodeToString(sig.RawBytes)
	if _, seen := state.SeenSignatures[key]; seen {
		return xerrors.ErrReplay
	}
	if sig.Kind == SignatureLegacyDelegated {
		nonceKey := hex.EncodeToString(sig.LegacyNonce)
		if _, seen := state.legacyNonces[nonceKey]; seen {
			return xerrors.ErrReplay
		}
		state.legacyNonces[nonceKey] = struct{}{}
	}
	state.SeenSignatures[key] = struct{}{}
	return nil
}

// canAdd implements the kind rule table in the association-log design:
// an Address may add an Address or an Installation; an Installation
// may only add an Address.
func canAdd(existing, new MemberKind) bool {
	if existing == KindAddress {
		return true
	}
	return new == KindAddress
}

// Apply folds one IdentityUpdate onto state, returning the new state.
// state may be nil only for the update that contains CreateInbox.
// Apply never mutates its input.
func Apply(state *AssociationState, v Verifier, update IdentityUpdate) (*AssociationState, error) {
	working := state.Clone()

	for _, action := range update.Actions {
		var err error
		working, err = applyAction(working, v, update, action)
		if err != nil {
			return nil, err
		}
	}
	return working, nil
}

func applyAction(state *AssociationState, v Verifier, update IdentityUpdate, action Action) (*AssociationState, error) {
	switch action.Kind {
	case ActionCreateInbox:
		return applyCreateInbox(state, v, update, action)
	case ActionAddAssociation:
		return applyAddAssociation(state, v, update, action)
	case ActionRevokeAssociation:
		return applyRevokeAssociation(state, v, action)
	case ActionChangeRecoveryAddress:
		return applyChangeRecoveryAddress(state, v, action)
	default:
		return nil, xerrors.New(xerrors.KindProtocol, "unknown identity update action kind")
	}
}

func applyCreateInbox(state *AssociationState, v Verifier, update IdentityUpdate, action Action) (*AssociationState, error) {
	if state != nil {
		return nil, xerrors.New(xerrors.KindProtocol, "CreateInbox on an already-created inbox")
	}
	ok, err := verifySignature(v, action.InitialAddressSignature)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindAuthorization, "verify initial address signature", err)
	}
	if !ok {
		return nil, xerrors.ErrSignatureVerification
	}

	s := newState(update.InboxID)
	if err := recordSignature(s, action.InitialAddressSignature); err != nil {
		return nil, err
	}
	creator := Address(action.AccountAddress)
	s.RecoveryAddress = action.AccountAddress
	s.Members[creator] = MemberRecord{
		Identifier:        creator,
		AddedByEntity:     nil,
		ClientTimestampNS: update.ClientTimestampNS,
	}
	return s, nil
}

func applyAddAssociation(state *AssociationState, v Verifier, update IdentityUpdate, action Action) (*AssociationState, error) {
	if state == nil {
		return nil, xerrors.ErrNotCreated
	}
	existing := action.ExistingMemberSignature.Signer
	if !state.IsMember(existing) {
		return nil, xerrors.ErrMissingExistingMember
	}
	if action.NewMemberSignature.Signer != action.NewMemberIdentifier {
		return nil, xerrors.ErrNewMemberIDSignatureMismatch
	}
	if !canAdd(existing.Kind, action.NewMemberIdentifier.Kind) {
		return nil, xerrors.MemberNotAllowed(existing.Kind, action.NewMemberIdentifier.Kind)
	}

	okExisting, err := verifySignature(v, action.ExistingMemberSignature)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindAuthorization, "verify existing member signature", err)
	}
	if !okExisting {
		return nil, xerrors.ErrSignatureVerification
	}
	okNew, err := verifySignature(v, action.NewMemberSignature)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindAuthorization, "verify new member signature", err)
	}
	if !okNew {
		return nil, xerrors.ErrSignatureVerification
	}

	if err := recordSignature(state, action.ExistingMemberSignature); err != nil {
		return nil, err
	}
	if err := recordSignature(state, action.NewMemberSignature); err != nil {
		return nil, err
	}

	existingCopy := existing
	state.Members[action.NewMemberIdentifier] = MemberRecord{
		Identifier:        action.NewMemberIdentifier,
		AddedByEntity:     &existingCopy,
		ClientTimestampNS: update.ClientTimestampNS,
	}
	return state, nil
}

func applyRevokeAssociation(state *AssociationState, v Verifier, action Action) (*AssociationState, error) {
	if state == nil {
		return nil, xerrors.ErrNotCreated
	}
	if action.RecoveryAddressSignature.Signer.Value != state.RecoveryAddress || action.RecoveryAddressSignature.Signer.Kind != KindAddress {
		return nil, xerrors.ErrMissingExistingMember
	}
	ok, err := verifySignature(v, action.RecoveryAddressSignature)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindAuthorization, "verify recovery address signature", err)
	}
	if !ok {
		return nil, xerrors.ErrSignatureVerification
	}
	if err := recordSignature(state, action.RecoveryAddressSignature); err != nil {
		return nil, err
	}

	cascadeRevoke(state, action.RevokedMember)
	return state, nil
}

// cascadeRevoke removes root and every member transitively added by
// it, per the RevokeAssociation design.
func cascadeRevoke(state *AssociationState, root MemberIdentifier) {
	toRemove := map[MemberIdentifier]struct{}{root: {}}
	for {
		grew := false
		for id, rec := range state.Members {
			if _, already := toRemove[id]; already {
				continue
			}
			if rec.AddedByEntity == nil {
				continue
			}
			if _, parentRemoved := toRemove[*rec.AddedByEntity]; parentRemoved {
				toRemove[id] = struct{}{}
				grew = true
			}
		}
		if !grew {
			break
		}
	}
	for id := range toRemove {
		delete(state.Members, id)
	}
}

func applyChangeRecoveryAddress(state *AssociationState, v Verifier, action Action) (*AssociationState, error) {
	if state == nil {
		return nil, xerrors.ErrNotCreated
	}
	if action.RecoveryAddressSignature.Signer.Value != state.RecoveryAddress || action.RecoveryAddressSignature.Signer.Kind != KindAddress {
		return nil, xerrors.ErrMissingExistingMember
	}
	ok, err := verifySignature(v, action.RecoveryAddressSignature)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindAuthorization, "verify recovery address signature", err)
	}
	if !ok {
		return nil, xerrors.ErrSignatureVerification
	}
	if err := recordSignature(state, action.RecoveryAddressSignature); err != nil {
		return nil, err
	}
	state.RecoveryAddress = action.NewRecoveryAddress
	return state, nil
}

// GetState folds a full ordered sequence of IdentityUpdates into the
// current AssociationState. Updates are sorted by ClientTimestampNS
// before folding, matching "ordered by server timestamp" in the
// design. The first update must produce a non-nil state (i.e. carry a
// CreateInbox action) or GetState fails with ErrNotCreated.
func GetState(v Verifier, updates []IdentityUpdate) (*AssociationState, error) {
	sorted := make([]IdentityUpdate, len(updates))
	copy(sorted, updates)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ClientTimestampNS < sorted[j].ClientTimestampNS
	})

	var state *AssociationState
	for _, u := range sorted {
		var err error
		state, err = Apply(state, v, u)
		if err != nil {
			return nil, err
		}
	}
	if state == nil {
		return nil, xerrors.ErrNotCreated
	}
	return state, nil
}
