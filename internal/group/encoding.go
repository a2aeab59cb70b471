package group

import (
	"encoding/json"

	"github.com/xmtp-go/mlscore/internal/assoc"
	"github.com/xmtp-go/mlscore/internal/mlscore"
	"github.com/xmtp-go/mlscore/internal/xerrors"
)

func marshalIdentityUpdate(update assoc.IdentityUpdate) ([]byte, error) {
	b, err := json.Marshal(update)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindFatal, "marshal identity update", err)
	}
	return b, nil
}

func marshalKeyPackage(kp mlscore.KeyPackage) ([]byte, error) {
	b, err := json.Marshal(kp)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindFatal, "marshal key package", err)
	}
	return b, nil
}

func unmarshalKeyPackage(b []byte) (mlscore.KeyPackage, error) {
	var kp mlscore.KeyPackage
	if err := json.Unmarshal(b, &kp); err != nil {
		return mlscore.KeyPackage{}, xerrors.Wrap(xerrors.KindProtocol, "unmarshal key package", err)
	}
	return kp, nil
}

// wire tags distinguish the two payload shapes carried on a group's
// stream, so ProcessInbound can dispatch without guessing from shape.
const (
	wireCommit      byte = 0
	wireApplication byte = 1
)

func encodeWire(tag byte, body []byte) []byte {
	out := make([]byte, 0, len(body)+1)
	out = append(out, tag)
	out = append(out, body...)
	return out
}

func decodeWire(b []byte) (tag byte, body []byte, err error) {
	if len(b) < 1 {
		return 0, nil, xerrors.New(xerrors.KindProtocol, "group: empty wire envelope")
	}
	return b[0], b[1:], nil
}

// PlaintextEnvelope is the application-layer content carried inside an
// encrypted group message, matching the wire shape named in the send
// path design: a V1 content frame with an idempotency key.
type PlaintextEnvelope struct {
	Content        []byte `json:"content"`
	IdempotencyKey string `json:"idempotency_key"`
}

// sendMessagePayload is a SendMessage intent's Data encoding: the
// plaintext envelope plus the optimistically-inserted message row id,
// so PublishPending can update that row's delivery status in place.
type sendMessagePayload struct {
	Envelope  PlaintextEnvelope `json:"envelope"`
	MessageID string            `json:"message_id"`
}

type addMembersPayload struct {
	InboxIDs []string `json:"inbox_ids"`
}

type removeMembersPayload struct {
	InboxIDs []string `json:"inbox_ids"`
}

type metadataUpdatePayload struct {
	Attributes map[string]string `json:"attributes"`
}

type adminListPayload struct {
	InboxID string `json:"inbox_id"`
	Super   bool   `json:"super"`
	Add     bool   `json:"add"`
}

// membershipChangePayload is the synthesized Stored Group Message
// content for a merged add/remove commit.
type membershipChangePayload struct {
	AddedInboxIDs   []string `json:"added_inbox_ids,omitempty"`
	RemovedInboxIDs []string `json:"removed_inbox_ids,omitempty"`
}

func marshalJSON(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindFatal, "marshal intent payload", err)
	}
	return b, nil
}

func unmarshalJSON(b []byte, v interface{}) error {
	if err := json.Unmarshal(b, v); err != nil {
		return xerrors.Wrap(xerrors.KindProtocol, "unmarshal intent payload", err)
	}
	return nil
}
