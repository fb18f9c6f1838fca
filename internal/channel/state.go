// Package channel keeps the per-channel message history.
//
// A State is shared between the protocol client, which ingests messages,
// and the consuming layer, which reads snapshots and edits the filter. Each
// State has its own lock; nothing here ever holds more than one.
package channel

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/john/chatwatch/internal/filter"
	"github.com/john/chatwatch/internal/message"
	"github.com/john/chatwatch/internal/metrics"
	"github.com/john/chatwatch/internal/transcript"
)

// DefaultMaxMessages bounds each message sequence unless configured.
const DefaultMaxMessages = 1000

// ConnState is the join state of a channel on the protocol connection.
type ConnState int

const (
	Uninitialized ConnState = iota
	Joined
)

func (c ConnState) String() string {
	if c == Joined {
		return "joined"
	}
	return "uninitialized"
}

// Alerter is notified when a message passes the filter.
type Alerter interface {
	Trigger()
}

// State is one channel's bounded "all" and "filtered" message sequences,
// compiled filter, transcript sinks, alert subscription and unread flag.
type State struct {
	name   string
	logger *slog.Logger

	mu           sync.Mutex
	all          []message.Message
	filtered     []message.Message
	filter       filter.Filter
	max          int
	conn         ConnState
	allSink      *transcript.Sink
	filteredSink *transcript.Sink
	alert        Alerter
	unread       bool
}

// New creates the state for channel name. limit <= 0 selects
// DefaultMaxMessages.
func New(name string, limit int, f filter.Filter) *State {
	if limit <= 0 {
		limit = DefaultMaxMessages
	}
	return &State{
		name:   message.ChannelName(name),
		logger: slog.Default().With(slog.String("channel", message.ChannelName(name))),
		filter: f,
		max:    limit,
	}
}

// SetLogger replaces the logger. Call it before the channel is joined.
func (s *State) SetLogger(l *slog.Logger) {
	s.logger = l.With(slog.String("channel", s.name))
}

// Name returns the normalized channel name.
func (s *State) Name() string { return s.name }

// Ingest stores m, runs the filter, writes transcripts and raises the alert.
// It never fails: transcript errors are kept as sink status.
func (s *State) Ingest(m message.Message) {
	s.mu.Lock()
	s.all = push(s.all, m, s.max)
	var sinks []*transcript.Sink
	if s.allSink != nil {
		sinks = append(sinks, s.allSink)
	}
	matched := s.filter.Test(m)
	var alert Alerter
	if matched {
		s.filtered = push(s.filtered, m, s.max)
		if s.filteredSink != nil {
			sinks = append(sinks, s.filteredSink)
		}
		alert = s.alert
		s.unread = true
	}
	s.mu.Unlock()

	metrics.Messages.WithLabelValues(s.name).Inc()
	if matched {
		metrics.FilteredMessages.WithLabelValues(s.name).Inc()
	}

	// File I/O happens outside the lock.
	if len(sinks) > 0 {
		line := transcript.Format(m)
		for _, sink := range sinks {
			err := transcript.Append(sink.Path(), line)
			if err != nil {
				metrics.TranscriptErrors.WithLabelValues(s.name).Inc()
				s.logger.Debug("transcript write failed", slog.String("path", sink.Path()), slog.Any("err", err))
			}
			s.mu.Lock()
			sink.Record(err)
			s.mu.Unlock()
		}
	}

	if alert != nil {
		alert.Trigger()
	}
}

// push appends m and evicts from the front until len <= limit.
func push(list []message.Message, m message.Message, limit int) []message.Message {
	list = append(list, m)
	if over := len(list) - limit; over > 0 {
		clear(list[:over])
		list = list[over:]
	}
	return list
}

// Messages returns a snapshot of the filtered or the full sequence, oldest
// first.
func (s *State) Messages(filtered bool) []message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if filtered {
		return slices.Clone(s.filtered)
	}
	return slices.Clone(s.all)
}

// Count returns the length of one sequence.
func (s *State) Count(filtered bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if filtered {
		return len(s.filtered)
	}
	return len(s.all)
}

// Clear empties one sequence and leaves everything else alone.
func (s *State) Clear(filtered bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if filtered {
		s.filtered = nil
	} else {
		s.all = nil
	}
}

// ConnState returns the join state.
func (s *State) ConnState() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// SetConnState is called by the protocol client.
func (s *State) SetConnState(c ConnState) {
	s.mu.Lock()
	s.conn = c
	s.mu.Unlock()
}

// Unread reports whether a filtered message arrived since MarkRead.
func (s *State) Unread() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread
}

// MarkRead clears the unread flag.
func (s *State) MarkRead() {
	s.mu.Lock()
	s.unread = false
	s.mu.Unlock()
}

// Filter returns a copy of the compiled filter.
func (s *State) Filter() filter.Filter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter
}

// FilterState returns the editable form of the filter.
func (s *State) FilterState() filter.State {
	return s.Filter().State()
}

// ApplyFilter compiles st and installs it. On error the current filter is
// kept unchanged.
func (s *State) ApplyFilter(st filter.State) error {
	f, err := st.Compile()
	if err != nil {
		return err
	}
	s.SetFilter(f)
	return nil
}

// SetFilter installs an already compiled filter.
func (s *State) SetFilter(f filter.Filter) {
	s.mu.Lock()
	s.filter = f
	s.mu.Unlock()
}

// MutateFilter runs fn on a copy of the filter and installs the result.
// Use it for single pattern additions such as blocking an author.
func (s *State) MutateFilter(fn func(*filter.Filter)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.filter
	fn(&f)
	s.filter = f
}

// SetTranscript sets (or with an empty path removes) the transcript of one
// sequence. Setting a path resets its error status.
func (s *State) SetTranscript(filtered bool, path string) {
	var sink *transcript.Sink
	if path = transcript.Clean(path); path != "" {
		sink = transcript.NewSink(path)
	}
	s.mu.Lock()
	if filtered {
		s.filteredSink = sink
	} else {
		s.allSink = sink
	}
	s.mu.Unlock()
}

// TranscriptStatus reports the transcript of one sequence. ok is false when
// none is configured.
func (s *State) TranscriptStatus(filtered bool) (st transcript.Status, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sink := s.allSink
	if filtered {
		sink = s.filteredSink
	}
	if sink == nil {
		return transcript.Status{}, false
	}
	return sink.Status(), true
}

// SetAlert subscribes a to filtered messages; nil unsubscribes.
func (s *State) SetAlert(a Alerter) {
	s.mu.Lock()
	s.alert = a
	s.mu.Unlock()
}

// Alert reports whether an alert subscription is present.
func (s *State) Alert() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alert != nil
}

// MaxMessages returns the retention bound.
func (s *State) MaxMessages() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.max
}

// SetMaxMessages changes the retention bound and trims both sequences to it.
func (s *State) SetMaxMessages(limit int) {
	if limit <= 0 {
		limit = DefaultMaxMessages
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.max = limit
	if over := len(s.all) - limit; over > 0 {
		s.all = slices.Clone(s.all[over:])
	}
	if over := len(s.filtered) - limit; over > 0 {
		s.filtered = slices.Clone(s.filtered[over:])
	}
}
