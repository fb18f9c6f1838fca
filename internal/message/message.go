// Package message holds the typed chat message used across chatwatch.
//
// A Message is built from a parsed IRC PRIVMSG frame. The raw protocol tags
// stay available through Tag so callers can read fields chatwatch does not
// model yet, while the fields the core depends on (sender, payload, badges,
// timestamps, reply parent) are typed.
package message

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
	"github.com/google/uuid"
)

// ErrMalformed is returned for chat frames missing the sender login, the
// display name or the message id.
var ErrMalformed = errors.New("malformed chat frame")

// duplicateSuffix is appended by the server to repeated identical messages.
const duplicateSuffix = "\U000E0000"

// Badge is a role or status indicator attached to a sender.
type Badge struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ReplyParent references the message a reply was made to.
type ReplyParent struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
	Text        string `json:"text"`
}

// Message is a chat message received on (or sent to) a channel. Values are
// shared between goroutines and must be treated as read-only.
type Message struct {
	ID          string       `json:"id"`
	Channel     string       `json:"channel"`      // channel name, lowercase, without '#'
	Login       string       `json:"login"`        // stable lowercase sender login
	DisplayName string       `json:"display_name"` // sender display name
	Text        string       `json:"text"`
	SentAt      time.Time    `json:"sent_at"` // UTC
	Badges      []Badge      `json:"badges,omitempty"`
	Reply       *ReplyParent `json:"reply,omitempty"`

	tags map[string]string
}

// Parse parses a single raw protocol line into a Message. Lines that are not
// chat frames are reported as ErrMalformed.
func Parse(line string) (Message, error) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return Message{}, ErrMalformed
	}
	pm, ok := twitch.ParseMessage(line).(*twitch.PrivateMessage)
	if !ok {
		return Message{}, fmt.Errorf("%w: not a chat frame", ErrMalformed)
	}
	return FromPrivateMessage(pm)
}

// FromPrivateMessage converts a parsed PRIVMSG frame into a Message.
func FromPrivateMessage(pm *twitch.PrivateMessage) (Message, error) {
	login := strings.ToLower(pm.User.Name)
	display := pm.Tags["display-name"]
	if login == "" || display == "" || pm.ID == "" {
		return Message{}, ErrMalformed
	}

	sentAt := pm.Time.UTC()
	if pm.Time.IsZero() {
		sentAt = time.Now().UTC()
	}

	return Message{
		ID:          pm.ID,
		Channel:     ChannelName(pm.Channel),
		Login:       login,
		DisplayName: display,
		Text:        trimDuplicateSuffix(pm.Message),
		SentAt:      sentAt,
		Badges:      ParseBadges(pm.Tags["badges"]),
		Reply:       replyFromTags(pm.Tags),
		tags:        maps.Clone(pm.Tags),
	}, nil
}

// Synthesize builds the Message for an outbound send from the tags of the
// self-state notification that acknowledged it. The server does not echo our
// own messages, so this is the only copy the channel ever sees.
func Synthesize(channel, login, text string, tags map[string]string, replyTo *Message, now time.Time) Message {
	display := tags["display-name"]
	if display == "" {
		display = login
	}
	if l := strings.ToLower(display); isASCII(l) {
		login = l
	}

	id := tags["id"]
	if id == "" {
		id = uuid.NewString()
	}

	m := Message{
		ID:          id,
		Channel:     ChannelName(channel),
		Login:       login,
		DisplayName: display,
		Text:        text,
		SentAt:      now.UTC(),
		Badges:      ParseBadges(tags["badges"]),
		tags:        maps.Clone(tags),
	}
	if replyTo != nil {
		m.Reply = &ReplyParent{
			ID:          replyTo.ID,
			Login:       replyTo.Login,
			DisplayName: replyTo.DisplayName,
			Text:        replyTo.Text,
		}
	}
	return m
}

// Tag returns the raw value of a protocol tag.
func (m Message) Tag(key string) (string, bool) {
	v, ok := m.tags[key]
	return v, ok
}

// Tags returns a copy of all protocol tags.
func (m Message) Tags() map[string]string {
	return maps.Clone(m.tags)
}

// BadgeNames returns the badge names in protocol order.
func (m Message) BadgeNames() []string {
	names := make([]string, 0, len(m.Badges))
	for _, b := range m.Badges {
		names = append(names, b.Name)
	}
	return names
}

// HasBadge reports whether the sender carries the named badge.
func (m Message) HasBadge(name string) bool {
	for _, b := range m.Badges {
		if b.Name == name {
			return true
		}
	}
	return false
}

// ParseBadges parses a "badges" tag value ("moderator/1,subscriber/12")
// keeping the order the server sent.
func ParseBadges(raw string) []Badge {
	if raw == "" {
		return nil
	}
	var badges []Badge
	for _, part := range strings.Split(raw, ",") {
		name, version, _ := strings.Cut(part, "/")
		if name == "" {
			continue
		}
		badges = append(badges, Badge{Name: name, Version: version})
	}
	return badges
}

// ChannelName normalizes a channel name: lowercase, no leading '#'.
func ChannelName(name string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "#"))
}

func replyFromTags(tags map[string]string) *ReplyParent {
	id := tags["reply-parent-msg-id"]
	if id == "" {
		return nil
	}
	return &ReplyParent{
		ID:          id,
		Login:       tags["reply-parent-user-login"],
		DisplayName: tags["reply-parent-display-name"],
		Text:        tags["reply-parent-msg-body"],
	}
}

func trimDuplicateSuffix(text string) string {
	if !strings.HasSuffix(text, duplicateSuffix) {
		return text
	}
	return strings.TrimRight(strings.TrimSuffix(text, duplicateSuffix), " ")
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return s != ""
}
