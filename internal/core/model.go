package core

import (
	"strings"
	"time"
)

// Role is the chat role reported by the ai_licia public chat stream.
type Role string

const (
	RoleAI       Role = "AI"
	RoleStreamer Role = "Streamer"
	RoleMod      Role = "Mod"
	RoleVIP      Role = "VIP"
	RoleViewer   Role = "Viewer"
)

// Roles lists every role the stream accepts as a filter, in display order.
var Roles = []Role{RoleAI, RoleStreamer, RoleMod, RoleVIP, RoleViewer}

// ParseRole matches raw case-insensitively against the known roles.
func ParseRole(raw string) (Role, bool) {
	raw = strings.TrimSpace(raw)
	for _, r := range Roles {
		if strings.EqualFold(raw, string(r)) {
			return r, true
		}
	}
	return "", false
}

// ChatEvent is one public chat message received from the stream.
type ChatEvent struct {
	ID           string    `json:"id,omitempty"`
	Username     string    `json:"username"`
	Content      string    `json:"content"`
	Role         Role      `json:"role,omitempty"`
	IsSubscriber bool      `json:"isSub"`
	SentAt       time.Time `json:"sentDateTime"`
}

// NormalizeUsername returns the key used for username equality.
func NormalizeUsername(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Transition describes how a rank slot's occupant changed between two snapshots.
type Transition string

const (
	TransitionEnter    Transition = "enter"
	TransitionPromoted Transition = "promoted"
	TransitionDemoted  Transition = "demoted"
	TransitionUpdate   Transition = "update"
	TransitionStable   Transition = "stable"
)

// LeaderboardEntry is a derived, immutable view of one ranked chatter.
type LeaderboardEntry struct {
	Username          string     `json:"username"`
	Role              Role       `json:"role,omitempty"`
	Count             int        `json:"count"`
	FirstSeenAt       time.Time  `json:"firstSeenAt"`
	MessagesPerMinute float64    `json:"messagesPerMinute"`
	Transition        Transition `json:"transition,omitempty"`
}

// OvertakeEvent records a change of the rank-1 chatter.
type OvertakeEvent struct {
	From  string    `json:"from"`
	To    string    `json:"to"`
	Count int       `json:"count"`
	At    time.Time `json:"at"`
}
