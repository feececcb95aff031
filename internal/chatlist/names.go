package chatlist

import (
	"strings"

	"github.com/loqui/chat-client/internal/protocol"
)

// Placeholder strings for missing chat and participant metadata.
const (
	NameUnknown      = "Unknown"
	NameUnknownChat  = "Unknown Chat"
	NameUnnamedGroup = "Unnamed Group"
	NameUnnamedUser  = "Unnamed User"
	NameUnnamed      = "Unnamed"
)

// SenderYou labels the last-message sender when it is the local user.
const SenderYou = "You"

// ResolveName derives a conversation's display name. Groups use their
// explicit name; a two-party chat uses the sole other participant's name;
// larger unnamed conversations join the other participants' names. Every
// missing field falls back to a fixed placeholder.
func ResolveName(c *protocol.ChatPayload, selfID string) string {
	if c.IsGroup {
		if c.Name != "" {
			return c.Name
		}
		return NameUnnamedGroup
	}

	others := make([]protocol.UserRef, 0, len(c.Users))
	for _, u := range c.Users {
		if u.ID != "" && u.ID != selfID {
			others = append(others, u)
		}
	}

	switch len(others) {
	case 0:
		return NameUnknown
	case 1:
		if others[0].Name != "" {
			return others[0].Name
		}
		return NameUnnamedUser
	default:
		names := make([]string, len(others))
		for i, u := range others {
			if u.Name != "" {
				names[i] = u.Name
			} else {
				names[i] = NameUnnamed
			}
		}
		return strings.Join(names, ", ")
	}
}
