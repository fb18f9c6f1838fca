package filter

import (
	"regexp"
	"slices"
	"strings"
)

// State is the editable, persistable form of a Filter: one pattern per line
// for each group, a toggle for each well-known badge, and any other badge
// names.
type State struct {
	IncludeMessage string   `yaml:"include_message" json:"include_message"`
	IncludeAuthor  string   `yaml:"include_author" json:"include_author"`
	ExcludeMessage string   `yaml:"exclude_message" json:"exclude_message"`
	ExcludeAuthor  string   `yaml:"exclude_author" json:"exclude_author"`
	Broadcaster    bool     `yaml:"broadcaster" json:"broadcaster"`
	Moderator      bool     `yaml:"moderator" json:"moderator"`
	VIP            bool     `yaml:"vip" json:"vip"`
	Partner        bool     `yaml:"partner" json:"partner"`
	Badges         []string `yaml:"badges,omitempty" json:"badges,omitempty"`
}

// Compile builds the Filter described by s.
func (s State) Compile() (Filter, error) {
	var badges []string
	for _, b := range []struct {
		on   bool
		name string
	}{
		{s.Broadcaster, BroadcasterBadge},
		{s.Moderator, ModeratorBadge},
		{s.VIP, VIPBadge},
		{s.Partner, PartnerBadge},
	} {
		if b.on {
			badges = append(badges, b.name)
		}
	}
	badges = append(badges, s.Badges...)
	return Compile(s.IncludeMessage, s.IncludeAuthor, s.ExcludeMessage, s.ExcludeAuthor, badges)
}

// State returns the editable form of f. Compiling the result yields a
// filter with the same outcome for every message.
func (f Filter) State() State {
	s := State{
		IncludeMessage: joinPatterns(f.incMsg),
		IncludeAuthor:  joinPatterns(f.incAuthor),
		ExcludeMessage: joinPatterns(f.excMsg),
		ExcludeAuthor:  joinPatterns(f.excAuthor),
	}
	for _, b := range f.badges {
		switch b {
		case BroadcasterBadge:
			s.Broadcaster = true
		case ModeratorBadge:
			s.Moderator = true
		case VIPBadge:
			s.VIP = true
		case PartnerBadge:
			s.Partner = true
		default:
			s.Badges = append(s.Badges, b)
		}
	}
	return s
}

func joinPatterns(pats []*regexp.Regexp) string {
	lines := make([]string, 0, len(pats))
	for _, re := range pats {
		lines = append(lines, re.String())
	}
	return strings.Join(lines, "\n")
}

// Equal reports whether two states describe the same filter.
func (s State) Equal(o State) bool {
	return s.IncludeMessage == o.IncludeMessage &&
		s.IncludeAuthor == o.IncludeAuthor &&
		s.ExcludeMessage == o.ExcludeMessage &&
		s.ExcludeAuthor == o.ExcludeAuthor &&
		s.Broadcaster == o.Broadcaster &&
		s.Moderator == o.Moderator &&
		s.VIP == o.VIP &&
		s.Partner == o.Partner &&
		slices.Equal(s.Badges, o.Badges)
}
