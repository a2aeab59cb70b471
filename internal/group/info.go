package group

import (
	"context"

	"github.com/xmtp-go/mlscore/internal/mlscore"
	"github.com/xmtp-go/mlscore/internal/store"
)

// Info is a read-only snapshot of a group's local state, for callers
// that only need to list or inspect groups rather than drive a sync
// or enqueue an intent.
type Info struct {
	ID              string
	Name            string
	Purpose         string
	MembershipState string
	Epoch           uint64
	MemberCount     int
	MemberInboxIDs  []string
	OwnRole         string
}

// Describe loads g's local MLS state and membership row into an Info
// snapshot.
func Describe(ctx context.Context, c *Client, g Group) (*Info, error) {
	mg, row, err := loadMLSGroup(ctx, c, g)
	if err != nil {
		return nil, err
	}
	return &Info{
		ID:              g.id,
		Name:            mg.Name(),
		Purpose:         purposeLabel(row.Purpose),
		MembershipState: membershipLabel(row.MembershipState),
		Epoch:           mg.Epoch(),
		MemberCount:     mg.MemberCount(),
		MemberInboxIDs:  mg.MemberInboxIDs(),
		OwnRole:         roleLabel(mg.RoleOf(c.Identity.InboxID())),
	}, nil
}

func purposeLabel(p store.GroupPurpose) string {
	if p == store.PurposeSync {
		return "sync"
	}
	return "conversation"
}

func membershipLabel(s store.MembershipState) string {
	switch s {
	case store.MembershipPending:
		return "pending"
	case store.MembershipRejected:
		return "rejected"
	default:
		return "allowed"
	}
}

func roleLabel(r mlscore.Role) string {
	switch r {
	case mlscore.RoleSuperAdmin:
		return "super-admin"
	case mlscore.RoleAdmin:
		return "admin"
	default:
		return "member"
	}
}
