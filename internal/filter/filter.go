// Package filter decides which chat messages belong to a channel's
// "filtered" view.
//
// A Filter holds four groups of regular expressions (messages and authors to
// include, messages and authors to exclude) and a set of badge names.
// Exclusion always wins over inclusion.
package filter

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/john/chatwatch/internal/message"
)

// Badge names with a dedicated toggle in State.
const (
	BroadcasterBadge = "broadcaster"
	ModeratorBadge   = "moderator"
	VIPBadge         = "vip"
	PartnerBadge     = "partner"
)

// Group identifies one of the four pattern groups.
type Group string

const (
	IncludeMessage Group = "include_message"
	IncludeAuthor  Group = "include_author"
	ExcludeMessage Group = "exclude_message"
	ExcludeAuthor  Group = "exclude_author"
)

// Pattern errors wrapped by PatternError for single pattern additions.
var (
	ErrEmptyPattern     = errors.New("empty pattern")
	ErrMultilinePattern = errors.New("pattern spans several lines")
)

// PatternError reports the first pattern that failed to compile.
type PatternError struct {
	Group Group
	Line  string
	Err   error
}

func (e *PatternError) Error() string {
	return fmt.Sprintf("%s pattern %q: %v", e.Group, e.Line, e.Err)
}

func (e *PatternError) Unwrap() error { return e.Err }

// Filter is a compiled filter. The zero value matches nothing. Filters are
// values: copying one is cheap and the copy can be extended independently.
type Filter struct {
	incMsg    []*regexp.Regexp
	incAuthor []*regexp.Regexp
	excMsg    []*regexp.Regexp
	excAuthor []*regexp.Regexp
	badges    []string
}

// Compile builds a Filter from newline-delimited pattern text. Blank lines
// are skipped and surrounding whitespace is trimmed. The first invalid
// pattern aborts compilation with a *PatternError.
func Compile(incMsg, incAuthor, excMsg, excAuthor string, badges []string) (Filter, error) {
	var (
		f   Filter
		err error
	)
	if f.incMsg, err = compileLines(IncludeMessage, incMsg); err != nil {
		return Filter{}, err
	}
	if f.incAuthor, err = compileLines(IncludeAuthor, incAuthor); err != nil {
		return Filter{}, err
	}
	if f.excMsg, err = compileLines(ExcludeMessage, excMsg); err != nil {
		return Filter{}, err
	}
	if f.excAuthor, err = compileLines(ExcludeAuthor, excAuthor); err != nil {
		return Filter{}, err
	}
	for _, b := range badges {
		if b = strings.TrimSpace(b); b != "" && !slices.Contains(f.badges, b) {
			f.badges = append(f.badges, b)
		}
	}
	return f, nil
}

func compileLines(group Group, text string) ([]*regexp.Regexp, error) {
	var out []*regexp.Regexp
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		re, err := regexp.Compile(line)
		if err != nil {
			return nil, &PatternError{Group: group, Line: line, Err: err}
		}
		out = append(out, re)
	}
	return out, nil
}

// Test reports whether m belongs to the filtered view. Evaluation order is
// fixed: excluded message, excluded author, included message, included
// author, badge.
func (f Filter) Test(m message.Message) bool {
	if matchAny(f.excMsg, m.Text) || matchAny(f.excAuthor, m.Login) {
		return false
	}
	if matchAny(f.incMsg, m.Text) || matchAny(f.incAuthor, m.Login) {
		return true
	}
	for _, b := range m.Badges {
		if slices.Contains(f.badges, b.Name) {
			return true
		}
	}
	return false
}

func matchAny(pats []*regexp.Regexp, s string) bool {
	for _, re := range pats {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// Add compiles a single pattern and appends it to group without touching
// the other patterns. The pattern is held to the same line rules as Compile,
// so the result always survives a round trip through State.
func (f *Filter) Add(group Group, pattern string) error {
	pattern = strings.TrimSpace(pattern)
	switch {
	case pattern == "":
		return &PatternError{Group: group, Line: pattern, Err: ErrEmptyPattern}
	case strings.ContainsAny(pattern, "\r\n"):
		return &PatternError{Group: group, Line: pattern, Err: ErrMultilinePattern}
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return &PatternError{Group: group, Line: pattern, Err: err}
	}
	// Clip so a copy sharing the backing array never sees the new pattern.
	switch group {
	case IncludeMessage:
		f.incMsg = append(slices.Clip(f.incMsg), re)
	case IncludeAuthor:
		f.incAuthor = append(slices.Clip(f.incAuthor), re)
	case ExcludeMessage:
		f.excMsg = append(slices.Clip(f.excMsg), re)
	case ExcludeAuthor:
		f.excAuthor = append(slices.Clip(f.excAuthor), re)
	default:
		return fmt.Errorf("unknown pattern group %q", group)
	}
	return nil
}

// AddAuthor makes every message from login match.
func (f *Filter) AddAuthor(login string) {
	// A quoted literal always compiles.
	_ = f.Add(IncludeAuthor, authorPattern(login))
}

// ExcludeAuthor keeps every message from login out of the filtered view.
func (f *Filter) ExcludeAuthor(login string) {
	_ = f.Add(ExcludeAuthor, authorPattern(login))
}

func authorPattern(login string) string {
	return "^" + regexp.QuoteMeta(strings.ToLower(login)) + "$"
}

// Badges returns the configured badge names.
func (f Filter) Badges() []string {
	return slices.Clone(f.badges)
}

// Empty reports whether the filter has no patterns and no badges.
func (f Filter) Empty() bool {
	return len(f.incMsg)+len(f.incAuthor)+len(f.excMsg)+len(f.excAuthor)+len(f.badges) == 0
}
