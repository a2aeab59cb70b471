// Package mlscore is a self-contained engine providing MLS-like group
// semantics: epoch advancement, epoch secret derivation and export,
// membership commits, and welcome sealing, built from Ed25519 + X25519
// + HKDF + AES-GCM. It stands in for a full IETF MLS implementation
// until one ships as an importable Go module exposing the same
// surface (Epoch, ExportSecret, Marshal/Unmarshal, proposals).
package mlscore

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/xmtp-go/mlscore/internal/xerrors"
)

// CommitKind labels the proposal a commit carries, so that the group
// state machine can synthesize the right stored-message kind and
// perform the G5 semantic-no-op check without re-deriving it from the
// raw state diff.
type CommitKind string

const (
	CommitAddMembers      CommitKind = "add_members"
	CommitRemoveMembers   CommitKind = "remove_members"
	CommitMetadataUpdate  CommitKind = "metadata_update"
	CommitAdminListUpdate CommitKind = "admin_list_update"
	CommitSelfUpdate      CommitKind = "self_update"
)

// member is the serializable per-leaf record.
type member struct {
	InboxID        string `json:"inbox_id"`
	SigPub         []byte `json:"sig_pub"`
	InitPub        []byte `json:"init_pub"`
	Active         bool   `json:"active"`
	AppGeneration  uint64 `json:"app_generation"`
}

// groupState is the full serializable internal state of a group.
type groupState struct {
	GroupID           []byte                   `json:"group_id"`
	Epoch             uint64                   `json:"epoch"`
	EpochSecret       []byte                   `json:"epoch_secret"`
	Members           []member                 `json:"members"`
	OwnLeafIndex      int                      `json:"own_leaf_index"`
	Protected         ProtectedMetadata        `json:"protected_metadata"`
	Mutable           MutableMetadata          `json:"mutable_metadata"`
	Membership        GroupMembershipExtension `json:"group_membership"`
	PolicyPreset      Preset                   `json:"policy_preset"`
	RequiredCaps      RequiredCapabilities     `json:"required_capabilities"`
}

// Group wraps MLS-like group state. Values are cheap to copy: the
// heavy state lives behind the pointer receiver, and callers are
// expected to hold one *Group per in-memory group, guarded by the
// per-group lock in the grouplock package, not by this package.
type Group struct {
	state  groupState
	sigKey ed25519.PrivateKey
}

// CommitRecord is the wire shape of a commit: a full post-commit state
// snapshot plus enough metadata for the receiver to classify it
// without re-deriving a diff. PayloadHash is computed over the
// marshaled record and is what the intent queue's own-commit
// detection (G3) compares against.
type CommitRecord struct {
	Kind       CommitKind `json:"kind"`
	State      groupState `json:"state"`
	AddedInboxes   []string `json:"added_inboxes,omitempty"`
	RemovedInboxes []string `json:"removed_inboxes,omitempty"`
}

// WelcomeData is sent to a newly added member.
type WelcomeData struct {
	GroupID   []byte     `json:"group_id"`
	State     groupState `json:"state"`
	LeafIndex int        `json:"leaf_index"`
}

// CreateGroup constructs a brand-new group with creator as the sole
// member, wiring the five extensions named in the creation path:
// protected metadata, mutable metadata, group membership, policy, and
// required capabilities.
func CreateGroup(groupID []byte, purpose GroupPurpose, creator BasicCredential, sigKey ed25519.PrivateKey, initPub []byte, groupName string, policy Preset) (*Group, error) {
	epochSecret := make([]byte, 32)
	if _, err := rand.Read(epochSecret); err != nil {
		return nil, fmt.Errorf("generate epoch secret: %w", err)
	}
	g := &Group{
		state: groupState{
			GroupID:     groupID,
			Epoch:       0,
			EpochSecret: epochSecret,
			Members: []member{{
				InboxID: creator.InboxID,
				SigPub:  creator.SignatureKey,
				InitPub: initPub,
				Active:  true,
			}},
			OwnLeafIndex: 0,
			Protected:    ProtectedMetadata{Purpose: purpose, CreatorInbox: creator.InboxID},
			Mutable:      newMutableMetadata(creator.InboxID, groupName),
			Membership:   newGroupMembershipExtension(creator.InboxID),
			PolicyPreset: policy,
			RequiredCaps: defaultRequiredCapabilities(),
		},
		sigKey: sigKey,
	}
	return g, nil
}

// JoinFromWelcome admits the local installation to an existing group
// using the state carried in a welcome.
func JoinFromWelcome(welcomeBytes []byte, sigKey ed25519.PrivateKey) (*Group, error) {
	var w WelcomeData
	if err := json.Unmarshal(welcomeBytes, &w); err != nil {
		return nil, xerrors.Wrap(xerrors.KindProtocol, "unmarshal welcome", err)
	}
	w.State.OwnLeafIndex = w.LeafIndex
	return &Group{state: w.State, sigKey: sigKey}, nil
}

// FromBytes restores a group from a prior ToBytes snapshot.
func FromBytes(data []byte, sigKey ed25519.PrivateKey) (*Group, error) {
	var s groupState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, xerrors.Wrap(xerrors.KindProtocol, "unmarshal group state", err)
	}
	return &Group{state: s, sigKey: sigKey}, nil
}

// ToBytes serializes the group's current state, e.g. for the store's
// openmls_key_store row.
func (g *Group) ToBytes() ([]byte, error) {
	return json.Marshal(g.state)
}

func (g *Group) Epoch() uint64       { return g.state.Epoch }
func (g *Group) GroupID() []byte     { return g.state.GroupID }
func (g *Group) OwnLeafIndex() int   { return g.state.OwnLeafIndex }
func (g *Group) OwnInboxID() string  { return g.state.Members[g.state.OwnLeafIndex].InboxID }
func (g *Group) Name() string        { return g.state.Mutable.Attributes["group_name"] }
func (g *Group) Policy() PolicySet   { return NewPolicySet(g.state.PolicyPreset) }
func (g *Group) Membership() GroupMembershipExtension { return g.state.Membership }

// MemberCount returns the number of active members.
func (g *Group) MemberCount() int {
	n := 0
	for _, m := range g.state.Members {
		if m.Active {
			n++
		}
	}
	return n
}

// MemberInboxIDs returns the inbox ids of all active members.
func (g *Group) MemberInboxIDs() []string {
	out := make([]string, 0, g.MemberCount())
	for _, m := range g.state.Members {
		if m.Active {
			out = append(out, m.InboxID)
		}
	}
	return out
}

// RoleOf reports the caller's role for policy evaluation.
func (g *Group) RoleOf(inboxID string) Role {
	if g.state.Mutable.isSuperAdmin(inboxID) {
		return RoleSuperAdmin
	}
	if g.state.Mutable.isAdmin(inboxID) {
		return RoleAdmin
	}
	return RoleMember
}

func (g *Group) hasActiveMember(inboxID string) bool {
	for _, m := range g.state.Members {
		if m.InboxID == inboxID && m.Active {
			return true
		}
	}
	return false
}

// IsActiveMember reports whether inboxID currently holds an active
// leaf, the check the group state machine uses to detect a
// membership-change intent that became a no-op before it published.
func (g *Group) IsActiveMember(inboxID string) bool {
	return g.hasActiveMember(inboxID)
}

// exportSecret derives length bytes from the current epoch secret
// under the given label and context, mirroring MLS's exporter
// interface closely enough for application-layer key derivation.
func (g *Group) exportSecret(label, context []byte, length int) []byte {
	info := append(append([]byte{}, label...), context...)
	r := hkdf.New(sha256.New, g.state.EpochSecret, nil, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		panic(fmt.Sprintf("hkdf export: %v", err))
	}
	return out
}

// ExportApplicationSecret derives the per-epoch application secret
// used to key message encryption.
func (g *Group) ExportApplicationSecret() []byte {
	return g.exportSecret([]byte("mls-application-secret"), nil, 32)
}

func (g *Group) advanceEpoch() {
	epochBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(epochBytes, g.state.Epoch)
	r := hkdf.New(sha256.New, g.state.EpochSecret, epochBytes, []byte("mls-epoch-advance"))
	newSecret := make([]byte, 32)
	if _, err := io.ReadFull(r, newSecret); err != nil {
		panic(fmt.Sprintf("hkdf advance: %v", err))
	}
	g.state.EpochSecret = newSecret
	g.state.Epoch++
}

func (g *Group) snapshotRecord(kind CommitKind, added, removed []string) ([]byte, error) {
	rec := CommitRecord{Kind: kind, State: g.state, AddedInboxes: added, RemovedInboxes: removed}
	return json.Marshal(rec)
}

// CommitPayloadHash computes the id a Published intent records so
// that an inbound commit can be recognized as this installation's own
// (G3).
func CommitPayloadHash(commitBytes []byte) []byte {
	h := sha256.Sum256(commitBytes)
	return h[:]
}

// AddMembers admits new key packages to the group. Returns the commit
// to publish to existing members and one sealed welcome per new
// member, keyed by installation id hex.
func (g *Group) AddMembers(kps []KeyPackage, nextSequenceID uint64) (commit []byte, welcomes map[string][]byte, err error) {
	added := make([]string, 0, len(kps))
	welcomes = make(map[string][]byte, len(kps))
	newLeaves := make([]int, 0, len(kps))
	for _, kp := range kps {
		newLeaves = append(newLeaves, len(g.state.Members))
		g.state.Members = append(g.state.Members, member{
			InboxID: kp.Credential.InboxID,
			SigPub:  kp.Credential.SignatureKey,
			InitPub: kp.InitKey,
			Active:  true,
		})
		g.state.Membership.Members[kp.Credential.InboxID] = nextSequenceID
		added = append(added, kp.Credential.InboxID)
	}

	g.advanceEpoch()

	for i, kp := range kps {
		w := WelcomeData{GroupID: g.state.GroupID, State: g.state, LeafIndex: newLeaves[i]}
		plain, merr := json.Marshal(w)
		if merr != nil {
			return nil, nil, fmt.Errorf("marshal welcome: %w", merr)
		}
		sealed, serr := SealWelcome(kp.InitKey, plain)
		if serr != nil {
			return nil, nil, fmt.Errorf("seal welcome: %w", serr)
		}
		welcomes[fmt.Sprintf("%x", kp.InstallationID)] = sealed
	}

	commit, err = g.snapshotRecord(CommitAddMembers, added, nil)
	if err != nil {
		return nil, nil, err
	}
	return commit, welcomes, nil
}

// RemoveMembers deactivates the named inboxes' leaves.
func (g *Group) RemoveMembers(inboxIDs []string) ([]byte, error) {
	removed := make([]string, 0, len(inboxIDs))
	for _, id := range inboxIDs {
		if id == g.OwnInboxID() {
			return nil, xerrors.New(xerrors.KindProtocol, "cannot remove self via RemoveMembers")
		}
		for i := range g.state.Members {
			if g.state.Members[i].InboxID == id && g.state.Members[i].Active {
				g.state.Members[i].Active = false
				removed = append(removed, id)
				delete(g.state.Membership.Members, id)
			}
		}
	}
	g.advanceEpoch()
	return g.snapshotRecord(CommitRemoveMembers, nil, removed)
}

// UpdateMutableMetadata rewrites the group name and/or attributes via
// a GroupContextExtensions-shaped proposal.
func (g *Group) UpdateMutableMetadata(attrs map[string]string) ([]byte, error) {
	for k, v := range attrs {
		g.state.Mutable.Attributes[k] = v
	}
	g.advanceEpoch()
	return g.snapshotRecord(CommitMetadataUpdate, nil, nil)
}

// UpdateAdminList adds or removes an admin/super-admin.
func (g *Group) UpdateAdminList(inboxID string, super, add bool) ([]byte, error) {
	if add {
		g.state.Mutable.addAdmin(inboxID, super)
	} else {
		g.state.Mutable.removeAdmin(inboxID, super)
	}
	g.advanceEpoch()
	return g.snapshotRecord(CommitAdminListUpdate, nil, nil)
}

// SelfUpdate publishes a no-op commit that rotates this leaf's init
// key, providing post-compromise security. Called periodically and
// always after admitting a welcome.
func (g *Group) SelfUpdate(newInitPub []byte) ([]byte, error) {
	g.state.Members[g.state.OwnLeafIndex].InitPub = newInitPub
	g.advanceEpoch()
	return g.snapshotRecord(CommitSelfUpdate, nil, nil)
}

// ApplyCommit merges a commit this installation authored (own-commit,
// G3 "pending" path) or observed from another member ("staged" path).
// The two paths are identical at this layer: the distinction that
// matters is made by the caller (group state machine) when deciding
// whether an in-flight intent should transition to Committed.
func (g *Group) ApplyCommit(commitBytes []byte) (*CommitRecord, error) {
	var rec CommitRecord
	if err := json.Unmarshal(commitBytes, &rec); err != nil {
		return nil, xerrors.Wrap(xerrors.KindProtocol, "unmarshal commit", err)
	}
	if rec.State.Epoch < g.state.Epoch {
		return nil, xerrors.New(xerrors.KindProtocol, "commit epoch behind local epoch")
	}
	ownInbox := g.OwnInboxID()
	ownLeaf := g.state.OwnLeafIndex
	rec.State.OwnLeafIndex = ownLeaf
	if ownLeaf >= len(rec.State.Members) || rec.State.Members[ownLeaf].InboxID != ownInbox {
		// Our leaf moved or we were removed; fall back to a lookup by inbox id.
		found := -1
		for i, m := range rec.State.Members {
			if m.InboxID == ownInbox {
				found = i
				break
			}
		}
		if found == -1 {
			return nil, xerrors.New(xerrors.KindAuthorization, "local installation no longer a member after commit")
		}
		rec.State.OwnLeafIndex = found
	}
	g.state = rec.State
	return &rec, nil
}

// EpochAtLeast reports whether the group's local epoch has reached
// at least the given value, used by callers waiting for intermediate
// commits (G1: epoch > local_epoch+1 waits).
func (g *Group) EpochAtLeast(epoch uint64) bool {
	return g.state.Epoch >= epoch
}

func deriveGenerationKey(appSecret []byte, senderSigPub []byte, epoch, generation uint64) []byte {
	info := make([]byte, 0, len("mls-app-msg")+16)
	info = append(info, []byte("mls-app-msg")...)
	eb := make([]byte, 8)
	binary.BigEndian.PutUint64(eb, epoch)
	info = append(info, eb...)
	gb := make([]byte, 8)
	binary.BigEndian.PutUint64(gb, generation)
	info = append(info, gb...)
	r := hkdf.New(sha512.New, appSecret, senderSigPub, info)
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		panic(fmt.Sprintf("hkdf app key: %v", err))
	}
	return key
}
