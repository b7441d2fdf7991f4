package server

import (
	"sync"
	"time"

	"github.com/aeolun/tessenger/pkg/protocol"
)

// GroupResult is the outcome of a Group Directory operation
type GroupResult int

const (
	GroupCreated GroupResult = iota
	GroupInvalidName
	GroupDuplicateName
	GroupMemberOffline
	GroupJoined
	GroupNoSuchGroup
	GroupNotAMember
	GroupAlreadyJoined
	GroupDelivered
	GroupNotJoined
)

func (r GroupResult) String() string {
	switch r {
	case GroupCreated:
		return "created"
	case GroupInvalidName:
		return "invalid_name"
	case GroupDuplicateName:
		return "duplicate_name"
	case GroupMemberOffline:
		return "member_offline"
	case GroupJoined:
		return "joined"
	case GroupNoSuchGroup:
		return "no_such_group"
	case GroupNotAMember:
		return "not_a_member"
	case GroupAlreadyJoined:
		return "already_joined"
	case GroupDelivered:
		return "delivered"
	case GroupNotJoined:
		return "not_joined"
	default:
		return "unknown"
	}
}

// Group is a named roster plus the members that have opted in
type Group struct {
	Name      string
	Roster    []string
	CreatedAt time.Time
	joined    []string // join order, always a subset of Roster
}

func (g *Group) inRoster(username string) bool {
	for _, m := range g.Roster {
		if m == username {
			return true
		}
	}
	return false
}

func (g *Group) hasJoined(username string) bool {
	for _, m := range g.joined {
		if m == username {
			return true
		}
	}
	return false
}

// GroupDirectory maps group name to roster and joined set
type GroupDirectory struct {
	presence Presence
	now      func() time.Time

	mu     sync.RWMutex
	groups map[string]*Group
}

// NewGroupDirectory creates an empty directory. Creation checks roster
// members against presence.
func NewGroupDirectory(presence Presence) *GroupDirectory {
	return &GroupDirectory{
		presence: presence,
		now:      time.Now,
		groups:   make(map[string]*Group),
	}
}

// Create adds a group. The stored roster is the creator followed by members
// (duplicates dropped). Only the supplied members are checked for presence;
// the first offline one is returned with GroupMemberOffline. The creator
// starts as the only joined member.
func (d *GroupDirectory) Create(name, creator string, members []string) (*Group, GroupResult, string) {
	if !protocol.IsAlphanumeric(name) {
		return nil, GroupInvalidName, ""
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.groups[name]; exists {
		return nil, GroupDuplicateName, ""
	}

	for _, m := range members {
		if !d.presence.IsOnline(m) {
			return nil, GroupMemberOffline, m
		}
	}

	roster := []string{creator}
	seen := map[string]bool{creator: true}
	for _, m := range members {
		if seen[m] {
			continue
		}
		seen[m] = true
		roster = append(roster, m)
	}

	g := &Group{
		Name:      name,
		Roster:    roster,
		CreatedAt: d.now(),
		joined:    []string{creator},
	}
	d.groups[name] = g

	snapshot := *g
	return &snapshot, GroupCreated, ""
}

// Join adds username to a group's joined set. Rejections are checked in
// order: existence, roster membership, already joined.
func (d *GroupDirectory) Join(name, username string) GroupResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	g, ok := d.groups[name]
	if !ok {
		return GroupNoSuchGroup
	}
	if !g.inRoster(username) {
		return GroupNotAMember
	}
	if g.hasJoined(username) {
		return GroupAlreadyJoined
	}
	g.joined = append(g.joined, username)
	return GroupJoined
}

// Recipients checks that sender may post to the group and returns the other
// joined members. Checks run in order: existence, roster membership, joined.
func (d *GroupDirectory) Recipients(name, sender string) ([]string, GroupResult) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	g, ok := d.groups[name]
	if !ok {
		return nil, GroupNoSuchGroup
	}
	if !g.inRoster(sender) {
		return nil, GroupNotAMember
	}
	if !g.hasJoined(sender) {
		return nil, GroupNotJoined
	}

	recipients := make([]string, 0, len(g.joined)-1)
	for _, m := range g.joined {
		if m != sender {
			recipients = append(recipients, m)
		}
	}
	return recipients, GroupDelivered
}

// Get returns a copy of the roster and joined set
func (d *GroupDirectory) Get(name string) (roster, joined []string, ok bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	g, ok := d.groups[name]
	if !ok {
		return nil, nil, false
	}
	return append([]string(nil), g.Roster...), append([]string(nil), g.joined...), true
}

// Count returns the number of groups
func (d *GroupDirectory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.groups)
}
