package identity

import (
	"github.com/xmtp-go/mlscore/internal/assoc"
	"github.com/xmtp-go/mlscore/internal/xerrors"
)

// SignatureRequest collects the wallet signatures an IdentityUpdate
// needs before it can be published. A caller typically renders the
// pending digests to a wallet UI, waits for the user to sign, then
// calls AddSignature for each one collected.
type SignatureRequest struct {
	inboxID           string
	clientTimestampNS uint64
	action            assoc.Action
	needs             []SignatureSlot
	collected         map[string]assoc.VerifiedSignature
}

// SignatureSlot names one signature the pending action still needs,
// and the exact bytes the signer must sign.
type SignatureSlot struct {
	Name   string // "initial_address", "existing_member", "new_member", "recovery_address"
	Signer assoc.MemberIdentifier
	Kind   assoc.SignatureKind
	Digest []byte
}

func newCreateInboxRequest(inboxID, accountAddress string, nonce uint64) *SignatureRequest {
	digest := []byte("xmtp create inbox:" + inboxID)
	return &SignatureRequest{
		inboxID:           inboxID,
		clientTimestampNS: nonce,
		action: assoc.Action{
			Kind:           assoc.ActionCreateInbox,
			AccountAddress: accountAddress,
		},
		needs: []SignatureSlot{{
			Name:   "initial_address",
			Signer: assoc.Address(accountAddress),
			Kind:   assoc.SignatureERC191,
			Digest: digest,
		}},
		collected: make(map[string]assoc.VerifiedSignature),
	}
}

// NewAddAssociationRequest builds a SignatureRequest for binding a new
// member identifier to an already-created inbox.
func NewAddAssociationRequest(inboxID string, clientTimestampNS uint64, existing, newMember assoc.MemberIdentifier) *SignatureRequest {
	digest := []byte("xmtp add association:" + inboxID + ":" + newMember.String())
	existingKind := assoc.SignatureERC191
	if existing.Kind == assoc.KindInstallation {
		existingKind = assoc.SignatureInstallationKey
	}
	newKind := assoc.SignatureERC191
	if newMember.Kind == assoc.KindInstallation {
		newKind = assoc.SignatureInstallationKey
	}
	return &SignatureRequest{
		inboxID:           inboxID,
		clientTimestampNS: clientTimestampNS,
		action: assoc.Action{
			Kind:                assoc.ActionAddAssociation,
			NewMemberIdentifier: newMember,
		},
		needs: []SignatureSlot{
			{Name: "existing_member", Signer: existing, Kind: existingKind, Digest: digest},
			{Name: "new_member", Signer: newMember, Kind: newKind, Digest: digest},
		},
		collected: make(map[string]assoc.VerifiedSignature),
	}
}

// PendingDigests returns the slots still missing a signature.
func (r *SignatureRequest) PendingDigests() []SignatureSlot {
	var out []SignatureSlot
	for _, slot := range r.needs {
		if _, ok := r.collected[slot.Name]; !ok {
			out = append(out, slot)
		}
	}
	return out
}

// AddSignature records raw as the signature for the named slot.
func (r *SignatureRequest) AddSignature(slotName string, raw []byte) error {
	for _, slot := range r.needs {
		if slot.Name != slotName {
			continue
		}
		r.collected[slotName] = assoc.VerifiedSignature{
			Signer:   slot.Signer,
			Kind:     slot.Kind,
			Digest:   slot.Digest,
			RawBytes: raw,
		}
		return nil
	}
	return xerrors.New(xerrors.KindProtocol, "identity: unknown signature slot "+slotName)
}

// IsReady reports whether every required signature has been collected.
func (r *SignatureRequest) IsReady() bool {
	return len(r.PendingDigests()) == 0
}

// ToIdentityUpdate assembles the signed action into a publishable
// IdentityUpdate, failing if signatures are still outstanding.
func (r *SignatureRequest) ToIdentityUpdate() (assoc.IdentityUpdate, error) {
	if !r.IsReady() {
		return assoc.IdentityUpdate{}, xerrors.New(xerrors.KindProtocol, "identity: signature request still missing signatures")
	}
	action := r.action
	switch action.Kind {
	case assoc.ActionCreateInbox:
		action.InitialAddressSignature = r.collected["initial_address"]
	case assoc.ActionAddAssociation:
		action.ExistingMemberSignature = r.collected["existing_member"]
		action.NewMemberSignature = r.collected["new_member"]
	}
	return assoc.IdentityUpdate{
		InboxID:           r.inboxID,
		ClientTimestampNS: r.clientTimestampNS,
		Actions:           []assoc.Action{action},
	}, nil
}
