package rotation

import (
	"fmt"
	"sort"

	"rotation-service/internal/models"
)

// Assignments maps a discipline key to the user on call for it.
type Assignments map[string]string

// List is one discipline's effective rotation input: its active members in
// rotation order, plus the fallback user used when the list is empty. Name is
// the discipline's display name, carried for read surfaces only.
type List struct {
	Discipline string
	Name       string
	Fallback   string
	Members    []models.RotationMember
}

// Resolve computes the on-call user for every discipline for the given
// sprint. Index i of a non-empty member list serves on sprint i mod length;
// an empty list degrades to the discipline's fallback user. An approved
// override for (sprintIndex, discipline) replaces the result unconditionally.
//
// Resolve has no side effects and never fails for absent data; it only
// rejects structurally invalid input.
func Resolve(sprintIndex int, lists []List, overrides []models.Override) (Assignments, error) {
	if sprintIndex < 0 {
		return nil, fmt.Errorf("rotation: negative sprint index %d", sprintIndex)
	}

	replacements := make(map[string]models.Override)
	for _, o := range overrides {
		if !o.Approved || o.SprintIndex != sprintIndex {
			continue
		}
		// The write boundary keeps at most one approved override per slot;
		// if bad data slips through anyway, pick deterministically by the
		// most recent approval.
		if prev, ok := replacements[o.Discipline]; ok && !approvedAfter(o, prev) {
			continue
		}
		replacements[o.Discipline] = o
	}

	out := make(Assignments, len(lists))
	for _, l := range lists {
		user := l.Fallback
		if n := len(l.Members); n > 0 {
			user = l.Members[sprintIndex%n].UserID
		}
		if o, ok := replacements[l.Discipline]; ok {
			user = o.ReplacementUserID
		}
		if user == "" {
			continue
		}
		out[l.Discipline] = user
	}
	return out, nil
}

func approvedAfter(a, b models.Override) bool {
	switch {
	case a.ApprovalTimestamp != nil && b.ApprovalTimestamp != nil && !a.ApprovalTimestamp.Equal(*b.ApprovalTimestamp):
		return a.ApprovalTimestamp.After(*b.ApprovalTimestamp)
	case a.ApprovalTimestamp != nil && b.ApprovalTimestamp == nil:
		return true
	case a.ApprovalTimestamp == nil && b.ApprovalTimestamp != nil:
		return false
	case !a.CreatedAt.Equal(b.CreatedAt):
		return a.CreatedAt.After(b.CreatedAt)
	default:
		return a.ID > b.ID
	}
}

// DuplicateAssignees reports users holding more than one discipline in a,
// with disciplines sorted for stable logging. This is a data-quality signal
// for operators, never a blocking error.
func DuplicateAssignees(a Assignments) map[string][]string {
	byUser := make(map[string][]string, len(a))
	for discipline, user := range a {
		byUser[user] = append(byUser[user], discipline)
	}
	dupes := make(map[string][]string)
	for user, disciplines := range byUser {
		if len(disciplines) > 1 {
			sort.Strings(disciplines)
			dupes[user] = disciplines
		}
	}
	return dupes
}
