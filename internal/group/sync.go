package group

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"

	"github.com/xmtp-go/mlscore/internal/api"
	"github.com/xmtp-go/mlscore/internal/intent"
	"github.com/xmtp-go/mlscore/internal/mlscore"
	"github.com/xmtp-go/mlscore/internal/store"
	"github.com/xmtp-go/mlscore/internal/xerrors"
)

// maxSyncRounds bounds SyncUntilIntentResolved so a stuck intent fails
// loudly instead of looping forever (G4).
const maxSyncRounds = 20

// PublishPending builds and publishes a wire envelope for every
// ToPublish intent on g, oldest first. An AddMembers commit's welcomes
// go out right after the commit itself is marked Published.
func PublishPending(ctx context.Context, c *Client, g Group) error {
	return c.Locks.WithLock(ctx, g.id, func(ctx context.Context) error {
		pending, err := c.Intents.ToPublishFIFO(ctx, g.id)
		if err != nil {
			return err
		}
		for _, in := range pending {
			if err := publishOne(ctx, c, g, in); err != nil {
				return err
			}
		}
		return nil
	})
}

func publishOne(ctx context.Context, c *Client, g Group, in intent.Intent) error {
	mg, row, err := loadMLSGroup(ctx, c, g)
	if err != nil {
		return err
	}

	baseEpoch := mg.Epoch()
	wireTag, commitBytes, welcomes, postCommit, err := buildIntentEnvelope(ctx, c, mg, in)
	if err != nil {
		if xerrors.KindOf(err) == xerrors.KindReplay {
			// The membership change this intent wanted is already in
			// effect via a commit we merged from someone else; resolve it
			// as committed rather than failing it (G5).
			return c.Intents.MarkCommitted(ctx, in.ID)
		}
		if xerrors.KindOf(err) != xerrors.KindTransient {
			c.Intents.MarkError(ctx, in.ID)
		}
		return err
	}

	envelope := encodeWire(wireTag, commitBytes)
	outbound := api.OutboundEnvelope{
		Kind:      api.KindGroup,
		GroupID:   g.id,
		Payload:   envelope,
		IsCommit:  wireTag == wireCommit,
		BaseEpoch: baseEpoch,
	}
	ids, err := c.API.Publish(ctx, []api.OutboundEnvelope{outbound})
	if err != nil {
		if errors.Is(err, xerrors.ErrStaleEpoch) {
			// Someone else's commit already consumed baseEpoch at the
			// server (G5). mg's in-memory mutation above was never
			// persisted, so there is nothing to roll back: leave the
			// intent in ToPublish and let the next round's
			// ProcessInbound merge the winning commit before this one
			// is rebuilt against the new state.
			return nil
		}
		return xerrors.Wrap(xerrors.KindTransient, "publish group envelope", err)
	}
	_ = ids

	payloadHash := hex.EncodeToString(mlscore.CommitPayloadHash(commitBytes))
	if err := c.Store.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := c.Intents.MarkPublishedTx(ctx, tx, in.ID, payloadHash, postCommit); err != nil {
			return err
		}
		return saveMLSGroupTx(ctx, tx, c, row, mg)
	}); err != nil {
		return err
	}

	for installationIDHex, welcome := range welcomes {
		installationID, decErr := hex.DecodeString(installationIDHex)
		if decErr != nil {
			continue
		}
		if _, err := c.API.Publish(ctx, []api.OutboundEnvelope{{Kind: api.KindWelcome, Installer: installationID, Payload: welcome}}); err != nil {
			return xerrors.Wrap(xerrors.KindTransient, "publish welcome", err)
		}
	}
	return nil
}

// buildIntentEnvelope constructs the wire payload for one intent,
// dispatching on Kind. Membership intents that have become a semantic
// no-op since they were queued (G5: the target is already
// added/removed by a concurrent commit this installation already
// merged) short-circuit straight to Committed instead of producing an
// empty commit.
func buildIntentEnvelope(ctx context.Context, c *Client, mg *mlscore.Group, in intent.Intent) (wireTag byte, payload []byte, welcomes map[string][]byte, postCommit []byte, err error) {
	switch in.Kind {
	case intent.SendMessage:
		var p sendMessagePayload
		if err := unmarshalJSON(in.Data, &p); err != nil {
			return 0, nil, nil, nil, err
		}
		envelopeBytes, err := marshalJSON(p.Envelope)
		if err != nil {
			return 0, nil, nil, nil, err
		}
		sealed, err := mg.EncryptApplicationMessage(envelopeBytes)
		if err != nil {
			return 0, nil, nil, nil, xerrors.Wrap(xerrors.KindFatal, "encrypt application message", err)
		}
		return wireApplication, sealed, nil, nil, nil

	case intent.AddMembers:
		var p addMembersPayload
		if err := unmarshalJSON(in.Data, &p); err != nil {
			return 0, nil, nil, nil, err
		}
		targets := make([]string, 0, len(p.InboxIDs))
		for _, inboxID := range p.InboxIDs {
			if !mg.IsActiveMember(inboxID) {
				targets = append(targets, inboxID)
			}
		}
		if len(targets) == 0 {
			return 0, nil, nil, nil, xerrors.New(xerrors.KindReplay, "add members intent is now a no-op")
		}
		kps, err := fetchKeyPackages(ctx, c, targets)
		if err != nil {
			return 0, nil, nil, nil, err
		}
		commit, welcomes, err := mg.AddMembers(kps, nextSequenceIDPlaceholder())
		if err != nil {
			return 0, nil, nil, nil, xerrors.Wrap(xerrors.KindFatal, "build add members commit", err)
		}
		return wireCommit, commit, welcomes, nil, nil

	case intent.RemoveMembers:
		var p removeMembersPayload
		if err := unmarshalJSON(in.Data, &p); err != nil {
			return 0, nil, nil, nil, err
		}
		targets := make([]string, 0, len(p.InboxIDs))
		for _, inboxID := range p.InboxIDs {
			if mg.IsActiveMember(inboxID) {
				targets = append(targets, inboxID)
			}
		}
		if len(targets) == 0 {
			return 0, nil, nil, nil, xerrors.New(xerrors.KindReplay, "remove members intent is now a no-op")
		}
		commit, err := mg.RemoveMembers(targets)
		if err != nil {
			return 0, nil, nil, nil, xerrors.Wrap(xerrors.KindFatal, "build remove members commit", err)
		}
		return wireCommit, commit, nil, nil, nil

	case intent.MetadataUpdate:
		var p metadataUpdatePayload
		if err := unmarshalJSON(in.Data, &p); err != nil {
			return 0, nil, nil, nil, err
		}
		commit, err := mg.UpdateMutableMetadata(p.Attributes)
		if err != nil {
			return 0, nil, nil, nil, xerrors.Wrap(xerrors.KindFatal, "build metadata update commit", err)
		}
		return wireCommit, commit, nil, nil, nil

	case intent.AdminListUpdate:
		var p adminListPayload
		if err := unmarshalJSON(in.Data, &p); err != nil {
			return 0, nil, nil, nil, err
		}
		commit, err := mg.UpdateAdminList(p.InboxID, p.Super, p.Add)
		if err != nil {
			return 0, nil, nil, nil, xerrors.Wrap(xerrors.KindFatal, "build admin list commit", err)
		}
		return wireCommit, commit, nil, nil, nil

	case intent.KeyUpdate:
		newInit, err := c.Identity.NewKeyPackage()
		if err != nil {
			return 0, nil, nil, nil, err
		}
		commit, err := mg.SelfUpdate(newInit.InitKey)
		if err != nil {
			return 0, nil, nil, nil, xerrors.Wrap(xerrors.KindFatal, "build self update commit", err)
		}
		return wireCommit, commit, nil, nil, nil

	default:
		return 0, nil, nil, nil, xerrors.New(xerrors.KindFatal, "group: unknown intent kind")
	}
}

// nextSequenceIDPlaceholder stands in for the group membership
// extension's sequence-id allocator: this engine does not track a
// separate server-assigned membership sequence, so every addition
// records sequence id 0 in the membership extension, not the inbox's
// latest identity-update sequence id.
// Real sequencing is left to the association log, which is what
// membership validity actually depends on.
func nextSequenceIDPlaceholder() uint64 { return 0 }

func fetchKeyPackages(ctx context.Context, c *Client, inboxIDs []string) ([]mlscore.KeyPackage, error) {
	installationIDs := make([][]byte, 0, len(inboxIDs))
	byInstallation := make(map[string]string, len(inboxIDs))
	for _, inboxID := range inboxIDs {
		instID, err := assocMemberInstallationID(ctx, c, inboxID)
		if err != nil {
			return nil, err
		}
		installationIDs = append(installationIDs, instID)
		byInstallation[hex.EncodeToString(instID)] = inboxID
	}
	raw, err := c.API.FetchKeyPackages(ctx, installationIDs)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindTransient, "fetch key packages", err)
	}
	out := make([]mlscore.KeyPackage, 0, len(raw))
	for idHex, bytes := range raw {
		kp, err := unmarshalKeyPackage(bytes)
		if err != nil {
			return nil, err
		}
		if _, ok := byInstallation[idHex]; !ok {
			continue
		}
		out = append(out, kp)
	}
	if len(out) != len(inboxIDs) {
		return nil, xerrors.New(xerrors.KindProtocol, "missing key package for one or more new members")
	}
	return out, nil
}

// ProcessInbound pulls every group-stream entry since the stored
// cursor and merges it into local state: own commits resolve their
// Published intent (G3), foreign commits advance the epoch (G1, stale
// ones are dropped), and application messages are decrypted and
// stored, an own message also resolving its Published SendMessage
// intent. Each message's state write, intent transition, and cursor
// advance land in one SQL transaction (G2): a crash mid-stream never
// leaves the cursor ahead of state it never actually merged, and never
// skips an entry either, since the cursor only advances once that
// message's effects have committed.
//
// An immediate foreground sync (e.g. CLI send, which calls
// SyncUntilIntentResolved right after enqueuing) can race a background
// syncloop.Loop tick for the same group. c.Locks.Once collapses any
// concurrent ProcessInbound(g) calls into a single pull-and-merge:
// the caller that loses the race gets the winner's result instead of
// queuing behind its lock and then redundantly repeating the same
// QueryGroupMessages round trip.
func ProcessInbound(ctx context.Context, c *Client, g Group) error {
	_, err, _ := c.Locks.Once(g.id, func() (interface{}, error) {
		return nil, processInboundLocked(ctx, c, g)
	})
	return err
}

func processInboundLocked(ctx context.Context, c *Client, g Group) error {
	return c.Locks.WithLock(ctx, g.id, func(ctx context.Context) error {
		cursor, err := c.Store.GetCursor(ctx, g.id, store.CursorGroup)
		if err != nil {
			return err
		}
		msgs, err := c.API.QueryGroupMessages(ctx, g.id, cursor)
		if err != nil {
			return xerrors.Wrap(xerrors.KindTransient, "query group messages", err)
		}
		for _, msg := range msgs {
			if err := c.Store.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
				if err := processOneInbound(ctx, tx, c, g, msg); err != nil {
					return err
				}
				_, err := c.Store.UpdateCursorTx(ctx, tx, g.id, store.CursorGroup, msg.ID)
				return err
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

func processOneInbound(ctx context.Context, tx *sql.Tx, c *Client, g Group, msg api.GroupMessage) error {
	tag, body, err := decodeWire(msg.Payload)
	if err != nil {
		return err
	}

	mg, row, err := loadMLSGroup(ctx, c, g)
	if err != nil {
		return err
	}

	switch tag {
	case wireCommit:
		return processInboundCommit(ctx, tx, c, g, mg, row, body, msg.CreatedNS)
	case wireApplication:
		return processInboundApplication(ctx, tx, c, g, mg, body, msg.CreatedNS)
	default:
		return xerrors.New(xerrors.KindProtocol, "group: unrecognized wire tag")
	}
}

func processInboundCommit(ctx context.Context, tx *sql.Tx, c *Client, g Group, mg *mlscore.Group, row *store.GroupRow, body []byte, createdNS int64) error {
	payloadHash := hex.EncodeToString(mlscore.CommitPayloadHash(body))

	own, matched, err := matchOwnPublishedIntent(ctx, c, g, payloadHash)
	if err != nil {
		return err
	}

	rec, err := mg.ApplyCommit(body)
	if err != nil {
		if matched {
			// Our own commit was superseded before it ever landed; bump
			// it back to ToPublish so the sync loop reconstructs it
			// against the new state (G5). This compensating action runs
			// outside the inbound transaction: nothing about it needs to
			// land atomically with a commit apply that just failed.
			c.Intents.Republish(ctx, own.ID)
			return nil
		}
		if xerrors.KindOf(err) == xerrors.KindProtocol {
			return nil // stale commit, already past this epoch (G1)
		}
		return err
	}

	if err := saveMLSGroupTx(ctx, tx, c, row, mg); err != nil {
		return err
	}

	if matched {
		return c.Intents.MarkCommittedTx(ctx, tx, own.ID)
	}

	return synthesizeMembershipMessage(ctx, tx, c, g, rec, createdNS)
}

func matchOwnPublishedIntent(ctx context.Context, c *Client, g Group, payloadHash string) (*intent.Intent, bool, error) {
	published, err := c.Store.ListIntentsByGroupState(ctx, g.id, intent.Published)
	if err != nil {
		return nil, false, err
	}
	for i := range published {
		if published[i].PayloadHash == payloadHash {
			return &published[i], true, nil
		}
	}
	return nil, false, nil
}

func synthesizeMembershipMessage(ctx context.Context, tx *sql.Tx, c *Client, g Group, rec *mlscore.CommitRecord, createdNS int64) error {
	if len(rec.AddedInboxes) == 0 && len(rec.RemovedInboxes) == 0 {
		return nil
	}
	data, err := marshalJSON(membershipChangePayload{AddedInboxIDs: rec.AddedInboxes, RemovedInboxIDs: rec.RemovedInboxes})
	if err != nil {
		return err
	}
	return c.Store.InsertMessageTx(ctx, tx, store.MessageRow{
		ID:             store.ComputeMessageID(g.id, data, "system", []byte(hex.EncodeToString(mlscore.CommitPayloadHash(data)))),
		GroupID:        g.id,
		DecryptedBytes: data,
		SentAtNS:       createdNS,
		Kind:           store.MessageMembershipChange,
		SenderInboxID:  "system",
		DeliveryStatus: store.DeliveryPublished,
	})
}

func processInboundApplication(ctx context.Context, tx *sql.Tx, c *Client, g Group, mg *mlscore.Group, body []byte, createdNS int64) error {
	plaintext, senderInboxID, err := mg.DecryptApplicationMessage(body)
	if err != nil {
		return err
	}
	var envelope PlaintextEnvelope
	if err := unmarshalJSON(plaintext, &envelope); err != nil {
		return err
	}

	messageID := store.ComputeMessageID(g.id, envelope.Content, senderInboxID, []byte(envelope.IdempotencyKey))

	if senderInboxID == c.Identity.InboxID() {
		own, matched, err := matchOwnPublishedIntent(ctx, c, g, hex.EncodeToString(mlscore.CommitPayloadHash(body)))
		if err != nil {
			return err
		}
		if matched {
			if err := c.Intents.MarkCommittedTx(ctx, tx, own.ID); err != nil {
				return err
			}
		}
		return c.Store.UpdateMessageDeliveryStatusTx(ctx, tx, messageID, store.DeliveryPublished)
	}

	return c.Store.InsertMessageTx(ctx, tx, store.MessageRow{
		ID:             messageID,
		GroupID:        g.id,
		DecryptedBytes: envelope.Content,
		SentAtNS:       createdNS,
		Kind:           store.MessageApplication,
		SenderInboxID:  senderInboxID,
		DeliveryStatus: store.DeliveryPublished,
	})
}

// SyncUntilIntentResolved alternates publishing and pulling until
// intentID reaches a terminal state (Committed or Error), bounding
// iterations so a protocol bug surfaces as an error instead of a hang
// (G4).
func SyncUntilIntentResolved(ctx context.Context, c *Client, g Group, intentID string) error {
	for round := 0; round < maxSyncRounds; round++ {
		if err := PublishPending(ctx, c, g); err != nil {
			return err
		}
		if err := ProcessInbound(ctx, c, g); err != nil {
			return err
		}
		in, err := c.Intents.Get(ctx, intentID)
		if err != nil {
			return err
		}
		switch in.State {
		case intent.Committed:
			return nil
		case intent.Error:
			return xerrors.New(xerrors.KindProtocol, "intent resolved with Error")
		}
	}
	return xerrors.New(xerrors.KindTransient, "group: sync did not resolve intent within round budget")
}
