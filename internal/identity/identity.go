// Package identity implements the per-client singleton that binds an
// installation's Ed25519 key pair to an inbox id, produces MLS
// credentials and key packages, and drives the one-time registration
// flow that publishes the inbox's first identity update.
package identity

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"github.com/xmtp-go/mlscore/internal/assoc"
	"github.com/xmtp-go/mlscore/internal/mlscore"
	"github.com/xmtp-go/mlscore/internal/xerrors"
)

// Store is the narrow persistence capability Identity needs: whether
// this inbox has already been published, so Register is idempotent on
// re-entry.
type Store interface {
	InboxRegistered(ctx context.Context, inboxID string) (bool, error)
	MarkInboxRegistered(ctx context.Context, inboxID string) error
}

// Publisher is the narrow transport capability Identity needs to push
// its initial identity update and key package to the remote log.
type Publisher interface {
	PublishIdentityUpdate(ctx context.Context, update assoc.IdentityUpdate) error
	PublishKeyPackage(ctx context.Context, inboxID string, kp mlscore.KeyPackage) error
}

// StateLookup resolves the current AssociationState for an inbox, the
// capability GetValidatedAccountAddress needs to check which address
// currently owns a signature key.
type StateLookup interface {
	GetAssociationState(ctx context.Context, inboxID string) (*assoc.AssociationState, error)
}

// HPKEProvider supplies fresh HPKE key pairs for key packages. The
// default wraps mlscore.GenerateHPKEKeyPair; tests may inject a
// deterministic one.
type HPKEProvider interface {
	GenerateHPKEKeyPair() (mlscore.HPKEKeyPair, error)
}

type defaultHPKEProvider struct{}

func (defaultHPKEProvider) GenerateHPKEKeyPair() (mlscore.HPKEKeyPair, error) {
	return mlscore.GenerateHPKEKeyPair()
}

// Identity is the process-wide singleton binding one installation key
// pair to one inbox.
type Identity struct {
	inboxID          string
	installationPriv ed25519.PrivateKey
	installationPub  ed25519.PublicKey
	pending          *SignatureRequest
	hpke             HPKEProvider

	// pendingInitKeys holds the private half of every key package this
	// installation has minted but not yet consumed, keyed by the hex
	// init public key, so a later welcome sealed to that key can be
	// opened. A key package is one-shot: JoinFromWelcome pops its
	// entry on use.
	pendingInitKeys map[string][]byte
}

// New creates an Identity for an inbox that has not yet been created
// on the association log; the caller must collect signatures via the
// SignatureRequest that BeginRegistration returns before Register can
// publish it.
func New(inboxID string, priv ed25519.PrivateKey, pub ed25519.PublicKey) *Identity {
	return &Identity{
		inboxID:          inboxID,
		installationPriv: priv,
		installationPub:  pub,
		hpke:             defaultHPKEProvider{},
		pendingInitKeys:  make(map[string][]byte),
	}
}

// WithHPKEProvider overrides the HPKE key source, primarily for tests.
func (id *Identity) WithHPKEProvider(p HPKEProvider) *Identity {
	id.hpke = p
	return id
}

// InboxID returns the inbox this installation claims to speak for.
func (id *Identity) InboxID() string {
	return id.inboxID
}

// InstallationID is the installation's Ed25519 public key, used
// verbatim as its identifier on the wire.
func (id *Identity) InstallationID() []byte {
	return append([]byte(nil), id.installationPub...)
}

// InstallationPrivateKey returns the installation's signing key, for
// the group package to hand to mlscore.CreateGroup / FromBytes /
// JoinFromWelcome, which hold it alongside the MLS group state.
func (id *Identity) InstallationPrivateKey() ed25519.PrivateKey {
	return append(ed25519.PrivateKey(nil), id.installationPriv...)
}

// Credential returns the MLS BasicCredential this installation signs
// commits and messages with.
func (id *Identity) Credential() mlscore.BasicCredential {
	return mlscore.BasicCredential{
		InboxID:      id.inboxID,
		SignatureKey: id.installationPub,
	}
}

// Sign produces an Ed25519 signature over digest with the
// installation's private key, used for SignatureInstallationKey
// VerifiedSignatures in the association log.
func (id *Identity) Sign(digest []byte) []byte {
	return ed25519.Sign(id.installationPriv, digest)
}

// BeginRegistration starts (or restarts) the signature-collection flow
// for creating this inbox, seeded with the account address that will
// become both the creator and the recovery address.
func (id *Identity) BeginRegistration(accountAddress string, nonce uint64) *SignatureRequest {
	id.pending = newCreateInboxRequest(id.inboxID, accountAddress, nonce)
	return id.pending
}

// SignatureRequest returns the in-flight signature request if this
// installation's inbox has not yet been published, or ok=false if
// there is nothing pending.
func (id *Identity) SignatureRequest() (*SignatureRequest, bool) {
	if id.pending == nil {
		return nil, false
	}
	return id.pending, true
}

// Register publishes the collected identity update and this
// installation's initial key package, then marks the inbox registered.
// It is idempotent: if store already reports the inbox registered, it
// returns nil without republishing.
func (id *Identity) Register(ctx context.Context, store Store, pub Publisher) error {
	registered, err := store.InboxRegistered(ctx, id.inboxID)
	if err != nil {
		return xerrors.Wrap(xerrors.KindTransient, "check inbox registration state", err)
	}
	if registered {
		return nil
	}
	if id.pending == nil {
		return xerrors.New(xerrors.KindProtocol, "identity: no signature request in flight")
	}
	update, err := id.pending.ToIdentityUpdate()
	if err != nil {
		return err
	}
	if err := pub.PublishIdentityUpdate(ctx, update); err != nil {
		return xerrors.Wrap(xerrors.KindTransient, "publish identity update", err)
	}

	kp, err := id.NewKeyPackage()
	if err != nil {
		return err
	}
	if err := pub.PublishKeyPackage(ctx, id.inboxID, kp); err != nil {
		return xerrors.Wrap(xerrors.KindTransient, "publish initial key package", err)
	}
	if err := store.MarkInboxRegistered(ctx, id.inboxID); err != nil {
		return xerrors.Wrap(xerrors.KindTransient, "mark inbox registered", err)
	}
	id.pending = nil
	return nil
}

// NewKeyPackage creates a fresh, one-shot MLS key package bound to this
// installation's credential. group.JoinFromWelcome mints and publishes
// a new one after every welcome it admits, since a key package is
// consumed on use.
func (id *Identity) NewKeyPackage() (mlscore.KeyPackage, error) {
	hpke, err := id.hpke.GenerateHPKEKeyPair()
	if err != nil {
		return mlscore.KeyPackage{}, xerrors.Wrap(xerrors.KindTransient, "generate hpke key pair", err)
	}
	id.pendingInitKeys[fmt.Sprintf("%x", hpke.Public)] = hpke.Private
	return mlscore.NewKeyPackage(id.Credential(), hpke, false), nil
}

// OpenWelcome decrypts sealed against every pending key package init
// key until one opens it, consuming that key package on success. A
// welcome is sealed to exactly one of this installation's outstanding
// key packages, but the caller has no way to name which one up front.
func (id *Identity) OpenWelcome(sealed []byte) ([]byte, error) {
	for pubHex, priv := range id.pendingInitKeys {
		plain, err := mlscore.OpenWelcome(priv, sealed)
		if err == nil {
			delete(id.pendingInitKeys, pubHex)
			return plain, nil
		}
	}
	return nil, xerrors.New(xerrors.KindProtocol, "identity: welcome does not match any pending key package")
}

// GetValidatedAccountAddress parses credentialInboxID, looks up its
// current AssociationState, and returns the account address that
// currently owns signaturePubKey: the Address-kind member at the root
// of the installation's added_by_entity chain. It fails if the
// installation is not a current member, or its chain never reaches an
// address (which would itself indicate a corrupt association state).
func GetValidatedAccountAddress(ctx context.Context, lookup StateLookup, credentialInboxID string, signaturePubKey ed25519.PublicKey) (string, error) {
	state, err := lookup.GetAssociationState(ctx, credentialInboxID)
	if err != nil {
		return "", xerrors.Wrap(xerrors.KindTransient, "load association state", err)
	}
	installationMember := assoc.Installation(signaturePubKey)
	rec, ok := state.Members[installationMember]
	if !ok {
		return "", xerrors.New(xerrors.KindAuthorization, fmt.Sprintf("installation %x is not a member of inbox %s", signaturePubKey, credentialInboxID))
	}

	current := rec
	for current.Identifier.Kind != assoc.KindAddress {
		if current.AddedByEntity == nil {
			return "", xerrors.New(xerrors.KindAuthorization, "installation's added-by chain never reaches an address")
		}
		parent, ok := state.Members[*current.AddedByEntity]
		if !ok {
			return "", xerrors.New(xerrors.KindAuthorization, "installation's added-by chain references a member no longer present")
		}
		current = parent
	}
	return current.Identifier.Value, nil
}
