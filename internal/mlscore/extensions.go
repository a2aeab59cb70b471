package mlscore

// Extension ids fixed at the network boundary. These values must stay
// stable across the fleet; changing one is equivalent to a hard fork
// of the wire format.
const (
	GroupMembershipExtensionID  = 0xff00
	MutableMetadataExtensionID  = 0xff01
	GroupPermissionsExtensionID = 0xff02
)

// ProtectedMetadata is immutable for the lifetime of a group: it is
// signed into the group's initial state and never rewritten by a
// commit.
type ProtectedMetadata struct {
	Purpose      GroupPurpose `json:"purpose"`
	CreatorInbox string       `json:"creator_inbox_id"`
}

// GroupPurpose distinguishes an ordinary conversation group from the
// lazily-created, member-closed sync group used for history transfer.
type GroupPurpose int

const (
	PurposeConversation GroupPurpose = iota
	PurposeSync
)

// MutableMetadata carries the group name and other user-facing
// attributes plus the admin and super-admin rosters. Every field here
// is rewritten by a GroupContextExtensions proposal inside a commit,
// gated by the policy set.
type MutableMetadata struct {
	Attributes     map[string]string `json:"attributes"`
	AdminList      []string          `json:"admin_list"`
	SuperAdminList []string          `json:"super_admin_list"`
}

func newMutableMetadata(creatorInboxID, groupName string) MutableMetadata {
	return MutableMetadata{
		Attributes:     map[string]string{"group_name": groupName},
		AdminList:      nil,
		SuperAdminList: []string{creatorInboxID},
	}
}

func (m MutableMetadata) isAdmin(inboxID string) bool {
	for _, id := range m.AdminList {
		if id == inboxID {
			return true
		}
	}
	return m.isSuperAdmin(inboxID)
}

func (m MutableMetadata) isSuperAdmin(inboxID string) bool {
	for _, id := range m.SuperAdminList {
		if id == inboxID {
			return true
		}
	}
	return false
}

func (m *MutableMetadata) addAdmin(inboxID string, super bool) {
	if super {
		if !m.isSuperAdmin(inboxID) {
			m.SuperAdminList = append(m.SuperAdminList, inboxID)
		}
		return
	}
	if !m.isAdmin(inboxID) {
		m.AdminList = append(m.AdminList, inboxID)
	}
}

func (m *MutableMetadata) removeAdmin(inboxID string, super bool) {
	filter := func(list []string) []string {
		out := list[:0]
		for _, id := range list {
			if id != inboxID {
				out = append(out, id)
			}
		}
		return out
	}
	if super {
		m.SuperAdminList = filter(m.SuperAdminList)
	} else {
		m.AdminList = filter(m.AdminList)
	}
}

// GroupMembershipExtension is the authoritative record of which
// inboxes belong to the group and the highest sequence id the local
// state has observed for each.
type GroupMembershipExtension struct {
	Members map[string]uint64 `json:"members"`
}

func newGroupMembershipExtension(creatorInboxID string) GroupMembershipExtension {
	return GroupMembershipExtension{Members: map[string]uint64{creatorInboxID: 0}}
}

// RequiredCapabilities enumerates the extension and proposal types a
// member must support to be admitted to the group. It is carried in
// the group's create config rather than serialized as a standalone
// extension here, since this engine has no external members that
// lack support for them.
type RequiredCapabilities struct {
	ExtensionIDs []int    `json:"extension_ids"`
	ProposalTypes []string `json:"proposal_types"`
	CredentialTypes []string `json:"credential_types"`
}

func defaultRequiredCapabilities() RequiredCapabilities {
	return RequiredCapabilities{
		ExtensionIDs:    []int{GroupMembershipExtensionID, MutableMetadataExtensionID, GroupPermissionsExtensionID},
		ProposalTypes:   []string{"group_context_extensions"},
		CredentialTypes: []string{"basic"},
	}
}
