package group

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/xmtp-go/mlscore/internal/assoc"
	"github.com/xmtp-go/mlscore/internal/intent"
	"github.com/xmtp-go/mlscore/internal/mlscore"
	"github.com/xmtp-go/mlscore/internal/store"
	"github.com/xmtp-go/mlscore/internal/xerrors"
)

// Group is a lightweight handle: the group id. Every method takes the
// shared *Client explicitly rather than holding one, so Group values
// are cheap to copy and safe to pass across goroutines.
type Group struct {
	id string
}

// ID returns the group's hex-encoded id, the key it is addressed by
// in the store and on the wire.
func (g Group) ID() string { return g.id }

// FromID wraps an already-known group id, for callers (such as the
// sync loop) that enumerate groups from the store rather than create
// or join them directly.
func FromID(id string) Group { return Group{id: id} }

func newGroupID() (string, []byte, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, xerrors.Wrap(xerrors.KindFatal, "generate group id", err)
	}
	return hex.EncodeToString(raw), raw, nil
}

func nowNS() int64 { return time.Now().UnixNano() }

// CreateGroup constructs a brand-new conversation or sync group with
// the local identity as its sole, super-admin member, and persists it
// in Allowed state.
func CreateGroup(ctx context.Context, c *Client, purpose mlscore.GroupPurpose, groupName string, policy mlscore.Preset) (Group, error) {
	idHex, idBytes, err := newGroupID()
	if err != nil {
		return Group{}, err
	}

	kp, err := c.Identity.NewKeyPackage()
	if err != nil {
		return Group{}, err
	}

	mg, err := mlscore.CreateGroup(idBytes, purpose, c.Identity.Credential(), c.Identity.InstallationPrivateKey(), kp.InitKey, groupName, policy)
	if err != nil {
		return Group{}, xerrors.Wrap(xerrors.KindFatal, "create mls group", err)
	}
	if err := persistGroup(ctx, c, idHex, mg, storePurpose(purpose), c.Identity.InboxID(), nowNS()); err != nil {
		return Group{}, err
	}
	return Group{id: idHex}, nil
}

func storePurpose(p mlscore.GroupPurpose) store.GroupPurpose {
	if p == mlscore.PurposeSync {
		return store.PurposeSync
	}
	return store.PurposeConversation
}

func persistGroup(ctx context.Context, c *Client, idHex string, mg *mlscore.Group, purpose store.GroupPurpose, addedBy string, createdAtNS int64) error {
	bytes, err := mg.ToBytes()
	if err != nil {
		return xerrors.Wrap(xerrors.KindFatal, "serialize mls group", err)
	}
	return c.Store.SaveGroup(ctx, store.GroupRow{
		ID:              idHex,
		CreatedAtNS:     createdAtNS,
		MembershipState: store.MembershipAllowed,
		Purpose:         purpose,
		AddedByInboxID:  addedBy,
		MLSState:        bytes,
	})
}

// JoinFromWelcome admits the local installation to a group carried in
// a welcome envelope. Duplicate welcomes for an already-known group id
// are silently ignored (KindReplay policy). serverTimestampNS becomes
// the stored group's created_at_ns, for determinism across
// installations that each receive the welcome at a different wall
// clock time. adderInboxID is the inbox this installation already
// knows invited it, for recording and an extra association-log sanity
// check; pass "" when the caller drives this from a bare welcome
// stream entry that carries no sender identity, skipping the check.
func JoinFromWelcome(ctx context.Context, c *Client, sealedWelcome []byte, serverTimestampNS int64, adderInboxID string) (Group, error) {
	plain, err := c.Identity.OpenWelcome(sealedWelcome)
	if err != nil {
		return Group{}, err
	}
	mg, err := mlscore.JoinFromWelcome(plain, c.Identity.InstallationPrivateKey())
	if err != nil {
		return Group{}, err
	}
	idHex := hex.EncodeToString(mg.GroupID())

	if _, err := c.Store.GetGroup(ctx, idHex); err == nil {
		return Group{id: idHex}, nil // already known; insert-or-ignore
	}

	if adderInboxID != "" {
		if _, err := c.AssocLog.GetAssociationState(ctx, adderInboxID); err != nil {
			return Group{}, xerrors.Wrap(xerrors.KindAuthorization, "validate welcome adder", err)
		}
	}

	if err := persistGroup(ctx, c, idHex, mg, store.PurposeConversation, adderInboxID, serverTimestampNS); err != nil {
		return Group{}, err
	}
	row, err := c.Store.GetGroup(ctx, idHex)
	if err != nil {
		return Group{}, err
	}
	row.MembershipState = store.MembershipPending
	if err := c.Store.SaveGroup(ctx, *row); err != nil {
		return Group{}, err
	}

	// The welcome consumed one key package; publish a fresh one so the
	// next welcome for this installation has an init key to open.
	kp, err := c.Identity.NewKeyPackage()
	if err != nil {
		return Group{}, err
	}
	if err := NewIdentityPublisher(c.API).PublishKeyPackage(ctx, c.Identity.InboxID(), kp); err != nil {
		return Group{}, xerrors.Wrap(xerrors.KindTransient, "publish rotated key package", err)
	}
	return Group{id: idHex}, nil
}

func loadMLSGroup(ctx context.Context, c *Client, g Group) (*mlscore.Group, *store.GroupRow, error) {
	row, err := c.Store.GetGroup(ctx, g.id)
	if err != nil {
		return nil, nil, err
	}
	mg, err := mlscore.FromBytes(row.MLSState, c.Identity.InstallationPrivateKey())
	if err != nil {
		return nil, nil, err
	}
	return mg, row, nil
}

// saveMLSGroupTx serializes mg and writes it inside a transaction the
// caller already holds open, so the group-state write commits
// atomically with whatever intent transition or cursor advance
// accompanies it (G2). Every call site threads a shared *sql.Tx
// through this rather than writing standalone, since a group-state
// write with nothing else to be atomic with doesn't occur in this
// engine's flows (publishing and merging always pair it with an
// intent transition).
func saveMLSGroupTx(ctx context.Context, tx *sql.Tx, c *Client, row *store.GroupRow, mg *mlscore.Group) error {
	bytes, err := mg.ToBytes()
	if err != nil {
		return xerrors.Wrap(xerrors.KindFatal, "serialize mls group", err)
	}
	row.MLSState = bytes
	return c.Store.SaveGroupTx(ctx, tx, *row)
}

func resolveInboxIDs(ctx context.Context, c *Client, accountAddresses []string) ([]string, error) {
	resolved, err := c.API.GetInboxIDs(ctx, accountAddresses)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindTransient, "resolve account addresses", err)
	}
	out := make([]string, 0, len(accountAddresses))
	for _, addr := range accountAddresses {
		inboxID, ok := resolved[addr]
		if !ok {
			return nil, xerrors.New(xerrors.KindProtocol, fmt.Sprintf("no inbox registered for address %s", addr))
		}
		out = append(out, inboxID)
	}
	return out, nil
}

// AddMembers enqueues an AddMembers intent for accountAddresses,
// resolved to inbox ids via the remote log. The policy set and the
// max-group-size limit are both checked up front: a rejection marks
// the intent Error without ever contacting the server for a commit.
func AddMembers(ctx context.Context, c *Client, g Group, accountAddresses []string) (string, error) {
	inboxIDs, err := resolveInboxIDs(ctx, c, accountAddresses)
	if err != nil {
		return "", err
	}
	return enqueueAddMembers(ctx, c, g, inboxIDs)
}

func enqueueAddMembers(ctx context.Context, c *Client, g Group, inboxIDs []string) (string, error) {
	mg, _, err := loadMLSGroup(ctx, c, g)
	if err != nil {
		return "", err
	}

	data, err := marshalJSON(addMembersPayload{InboxIDs: inboxIDs})
	if err != nil {
		return "", err
	}
	in, err := c.Intents.Enqueue(ctx, g.id, intent.AddMembers, data, nowNS())
	if err != nil {
		return "", err
	}

	if mg.MemberCount()+len(inboxIDs) > c.MaxGroupSize {
		c.Intents.MarkError(ctx, in.ID)
		return in.ID, xerrors.ErrUserLimitExceeded
	}
	if !mg.Policy().CanAddMembers(mg.RoleOf(c.Identity.InboxID())) {
		c.Intents.MarkError(ctx, in.ID)
		return in.ID, xerrors.New(xerrors.KindAuthorization, "policy forbids AddMembers for this role")
	}
	return in.ID, nil
}

// RemoveMembers enqueues a RemoveMembers intent, subject to the same
// policy check as AddMembers.
func RemoveMembers(ctx context.Context, c *Client, g Group, inboxIDs []string) (string, error) {
	mg, _, err := loadMLSGroup(ctx, c, g)
	if err != nil {
		return "", err
	}
	data, err := marshalJSON(removeMembersPayload{InboxIDs: inboxIDs})
	if err != nil {
		return "", err
	}
	in, err := c.Intents.Enqueue(ctx, g.id, intent.RemoveMembers, data, nowNS())
	if err != nil {
		return "", err
	}
	if !mg.Policy().CanRemoveMembers(mg.RoleOf(c.Identity.InboxID())) {
		c.Intents.MarkError(ctx, in.ID)
		return in.ID, xerrors.New(xerrors.KindAuthorization, "policy forbids RemoveMembers for this role")
	}
	return in.ID, nil
}

// UpdateGroupName enqueues a MetadataUpdate intent rewriting the
// group's name attribute.
func UpdateGroupName(ctx context.Context, c *Client, g Group, name string) (string, error) {
	return updateMetadata(ctx, c, g, map[string]string{"group_name": name})
}

func updateMetadata(ctx context.Context, c *Client, g Group, attrs map[string]string) (string, error) {
	mg, _, err := loadMLSGroup(ctx, c, g)
	if err != nil {
		return "", err
	}
	data, err := marshalJSON(metadataUpdatePayload{Attributes: attrs})
	if err != nil {
		return "", err
	}
	in, err := c.Intents.Enqueue(ctx, g.id, intent.MetadataUpdate, data, nowNS())
	if err != nil {
		return "", err
	}
	if !mg.Policy().CanUpdateMetadata(mg.RoleOf(c.Identity.InboxID())) {
		c.Intents.MarkError(ctx, in.ID)
		return in.ID, xerrors.New(xerrors.KindAuthorization, "policy forbids metadata update for this role")
	}
	return in.ID, nil
}

// AddAdmin and RemoveAdmin (with their super-admin variants) enqueue
// AdminListUpdate intents.
func AddAdmin(ctx context.Context, c *Client, g Group, inboxID string, super bool) (string, error) {
	return adminListUpdate(ctx, c, g, inboxID, super, true)
}

func RemoveAdmin(ctx context.Context, c *Client, g Group, inboxID string, super bool) (string, error) {
	return adminListUpdate(ctx, c, g, inboxID, super, false)
}

func adminListUpdate(ctx context.Context, c *Client, g Group, inboxID string, super, add bool) (string, error) {
	mg, _, err := loadMLSGroup(ctx, c, g)
	if err != nil {
		return "", err
	}
	data, err := marshalJSON(adminListPayload{InboxID: inboxID, Super: super, Add: add})
	if err != nil {
		return "", err
	}
	in, err := c.Intents.Enqueue(ctx, g.id, intent.AdminListUpdate, data, nowNS())
	if err != nil {
		return "", err
	}
	role := mg.RoleOf(c.Identity.InboxID())
	allowed := mg.Policy().CanUpdateAdminList(role)
	if super {
		allowed = mg.Policy().CanUpdateSuperAdminList(role)
	}
	if !allowed {
		c.Intents.MarkError(ctx, in.ID)
		return in.ID, xerrors.New(xerrors.KindAuthorization, "policy forbids admin list update for this role")
	}
	return in.ID, nil
}

// SelfUpdate enqueues a no-op key-rotation commit, published
// periodically and always after admitting a welcome for
// post-compromise security.
func SelfUpdate(ctx context.Context, c *Client, g Group) (string, error) {
	in, err := c.Intents.Enqueue(ctx, g.id, intent.KeyUpdate, nil, nowNS())
	if err != nil {
		return "", err
	}
	return in.ID, nil
}

// Send encodes plaintext as a PlaintextEnvelope, optimistically
// inserts an Unpublished Stored Group Message, and enqueues a
// SendMessage intent carrying the same envelope.
func Send(ctx context.Context, c *Client, g Group, plaintext []byte) (string, error) {
	envelope := PlaintextEnvelope{Content: plaintext, IdempotencyKey: fmt.Sprintf("%d", nowNS())}
	envelopeBytes, err := marshalJSON(envelope)
	if err != nil {
		return "", err
	}

	messageID := store.ComputeMessageID(g.id, plaintext, c.Identity.InboxID(), []byte(envelope.IdempotencyKey))
	if err := c.Store.InsertMessage(ctx, store.MessageRow{
		ID:                   messageID,
		GroupID:              g.id,
		DecryptedBytes:       plaintext,
		SentAtNS:             nowNS(),
		Kind:                 store.MessageApplication,
		SenderInstallationID: hex.EncodeToString(c.Identity.InstallationID()),
		SenderInboxID:        c.Identity.InboxID(),
		DeliveryStatus:       store.DeliveryUnpublished,
	}); err != nil {
		return "", err
	}

	data, err := marshalJSON(sendMessagePayload{Envelope: envelope, MessageID: messageID})
	if err != nil {
		return "", err
	}
	in, err := c.Intents.Enqueue(ctx, g.id, intent.SendMessage, data, nowNS())
	if err != nil {
		return "", err
	}
	return in.ID, nil
}

// assocMemberInstallationID resolves one active installation id for
// inboxID from its current association state. A real deployment adds
// every active installation as its own leaf; this engine adds one
// representative leaf per inbox to keep the leaf/installation mapping
// simple, matching the scale this module targets.
func assocMemberInstallationID(ctx context.Context, c *Client, inboxID string) ([]byte, error) {
	state, err := c.AssocLog.GetAssociationState(ctx, inboxID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindTransient, "load association state for new member", err)
	}
	for _, id := range state.SortedMemberKeys() {
		if id.Kind == assoc.KindInstallation {
			return hex.DecodeString(id.Value)
		}
	}
	return nil, xerrors.New(xerrors.KindProtocol, fmt.Sprintf("inbox %s has no active installation", inboxID))
}
