package assoc

import (
	"sort"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// AssociationState is the authoritative, reconstructible view of an
// inbox's members and recovery address.
type AssociationState struct {
	InboxID         string
	RecoveryAddress string
	Members         map[MemberIdentifier]MemberRecord
	SeenSignatures  map[string]struct{} // hex-encoded raw signature bytes
	legacyNonces    map[string]struct{} // hex-encoded legacy-key nonces already consumed
}

func newState(inboxID string) *AssociationState {
	return &AssociationState{
		InboxID:        inboxID,
		Members:        make(map[MemberIdentifier]MemberRecord),
		SeenSignatures: make(map[string]struct{}),
		legacyNonces:   make(map[string]struct{}),
	}
}

// Clone returns a deep-enough copy for Apply to mutate without
// disturbing the caller's reference, preserving the "pure function"
// contract: Apply never mutates its input state.
func (s *AssociationState) Clone() *AssociationState {
	if s == nil {
		return nil
	}
	out := newState(s.InboxID)
	out.RecoveryAddress = s.RecoveryAddress
	for k, v := range s.Members {
		out.Members[k] = v
	}
	for k := range s.SeenSignatures {
		out.SeenSignatures[k] = struct{}{}
	}
	for k := range s.legacyNonces {
		out.legacyNonces[k] = struct{}{}
	}
	return out
}

// IsMember reports whether identifier currently has a row.
func (s *AssociationState) IsMember(identifier MemberIdentifier) bool {
	_, ok := s.Members[identifier]
	return ok
}

// MemberCount returns the number of current members.
func (s *AssociationState) MemberCount() int {
	return len(s.Members)
}

// SortedMemberKeys returns member identifiers in a stable order,
// useful for deterministic diffing and test assertions.
func (s *AssociationState) SortedMemberKeys() []MemberIdentifier {
	keys := make([]MemberIdentifier, 0, len(s.Members))
	for k := range s.Members {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Kind != keys[j].Kind {
			return keys[i].Kind < keys[j].Kind
		}
		return keys[i].Value < keys[j].Value
	})
	return keys
}

func (s *AssociationState) renderMemberLines() string {
	var sb strings.Builder
	for _, k := range s.SortedMemberKeys() {
		rec := s.Members[k]
		sb.WriteString(k.Kind.String())
		sb.WriteString(":")
		sb.WriteString(k.Value)
		if rec.AddedByEntity != nil {
			sb.WriteString(" added_by=")
			sb.WriteString(rec.AddedByEntity.Value)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// AssociationStateDiff reports what changed between two states of the
// same inbox, the way the distilled protocol's own AssociationStateDiff
// does: which members appeared and which disappeared.
type AssociationStateDiff struct {
	NewMembers     []MemberIdentifier
	RemovedMembers []MemberIdentifier
	// Rendered is a human-readable unified view of the member-list
	// change, built with the same diff engine used elsewhere in this
	// module for textual change tracking.
	Rendered string
}

// Diff computes the AssociationStateDiff from s (older) to other
// (newer).
func (s *AssociationState) Diff(other *AssociationState) AssociationStateDiff {
	var d AssociationStateDiff
	for k := range other.Members {
		if !s.IsMember(k) {
			d.NewMembers = append(d.NewMembers, k)
		}
	}
	for k := range s.Members {
		if !other.IsMember(k) {
			d.RemovedMembers = append(d.RemovedMembers, k)
		}
	}
	sortIdentifiers(d.NewMembers)
	sortIdentifiers(d.RemovedMembers)

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(s.renderMemberLines(), other.renderMemberLines(), false)
	d.Rendered = dmp.DiffPrettyText(diffs)
	return d
}

func sortIdentifiers(ids []MemberIdentifier) {
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Kind != ids[j].Kind {
			return ids[i].Kind < ids[j].Kind
		}
		return ids[i].Value < ids[j].Value
	})
}
