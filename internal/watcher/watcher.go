// Package watcher composes the chat client, the per-channel states and the
// alert debouncer into the handle-based surface used by the daemon and its
// HTTP status endpoint.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/john/chatwatch/internal/alert"
	"github.com/john/chatwatch/internal/channel"
	"github.com/john/chatwatch/internal/config"
	"github.com/john/chatwatch/internal/filter"
	"github.com/john/chatwatch/internal/message"
	"github.com/john/chatwatch/internal/transcript"
	"github.com/john/chatwatch/internal/twitch"
)

var (
	// ErrUnknownChannel is returned for a handle that was removed or never
	// existed.
	ErrUnknownChannel = errors.New("watcher: unknown channel")
	// ErrDuplicateChannel is returned when a channel name is already watched.
	ErrDuplicateChannel = errors.New("watcher: channel already watched")
)

var (
	_ Client = (*twitch.Client)(nil)
	_ Alerts = (*alert.Debouncer)(nil)
)

// ID is an opaque channel handle.
type ID uint64

// Client is the connection the watcher drives. *twitch.Client satisfies it.
type Client interface {
	Join(name string, target twitch.Channel) error
	Part(name string) error
	Send(name, text string, replyTo *message.Message) error
	Anonymous() bool
	Close() error
	Done() <-chan struct{}
	Err() error
}

// Connector opens a connected Client for token; an empty token means the
// anonymous identity.
type Connector func(ctx context.Context, token string) (Client, error)

// TwitchConnector returns a Connector building *twitch.Client from base.
func TwitchConnector(base twitch.Config) Connector {
	return func(ctx context.Context, token string) (Client, error) {
		cfg := base
		cfg.Token = token
		return twitch.New(ctx, cfg)
	}
}

// Alerts is the shared alert debouncer. *alert.Debouncer satisfies it.
type Alerts interface {
	channel.Alerter
	Test(volume float64)
	SetVolume(v float64)
}

// Options configures a Watcher.
type Options struct {
	Connect Connector
	// Alerts may be nil, in which case alert subscriptions are accepted
	// but never sound.
	Alerts Alerts
	Logger *slog.Logger
}

type entry struct {
	id      ID
	state   *channel.State
	enabled bool
}

// Watcher owns the watched channels. All methods are safe for concurrent
// use.
type Watcher struct {
	connect Connector
	alerts  Alerts
	logger  *slog.Logger

	mu            sync.Mutex
	client        Client
	channels      []*entry
	nextID        ID
	defaultFilter filter.State
	maxMessages   int
	volume        float64
	fatal         chan struct{}
	fatalErr      error
	closed        bool
}

// New connects with token and returns a watcher with no channels.
func New(ctx context.Context, token string, opts Options) (*Watcher, error) {
	if opts.Connect == nil {
		return nil, errors.New("watcher: no connector")
	}
	w := &Watcher{
		connect:     opts.Connect,
		alerts:      opts.Alerts,
		logger:      opts.Logger,
		maxMessages: channel.DefaultMaxMessages,
		volume:      config.DefaultAlertVolume,
		fatal:       make(chan struct{}),
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}

	client, err := w.connect(ctx, token)
	if err != nil {
		return nil, err
	}
	w.client = client
	go w.monitor(client)
	return w, nil
}

// FromState connects and restores a persisted record. A rejected token
// falls back to the anonymous identity so the channels can still be
// watched read-only.
func FromState(ctx context.Context, st config.State, token string, opts Options) (*Watcher, error) {
	w, err := New(ctx, token, opts)
	if err != nil && token != "" && (errors.Is(err, twitch.ErrAuth) || errors.Is(err, twitch.ErrNegotiation)) {
		logger := opts.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("login to chat failed, using anonymous", slog.Any("err", err))
		w, err = New(ctx, "", opts)
	}
	if err != nil {
		return nil, err
	}

	if err := w.restore(st); err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) restore(st config.State) error {
	if _, err := st.DefaultFilter.Compile(); err != nil {
		return fmt.Errorf("default filter: %w", err)
	}
	w.mu.Lock()
	w.defaultFilter = st.DefaultFilter
	if st.MaxMessageCount > 0 {
		w.maxMessages = st.MaxMessageCount
	}
	w.mu.Unlock()
	w.SetAlertVolume(st.AlertVolume)

	for _, cs := range st.Channels {
		id, err := w.NewChannel(cs.Name, cs.Filter)
		if err != nil {
			return fmt.Errorf("channel %s: %w", cs.Name, err)
		}
		if cs.LogPath != "" {
			_ = w.SetTranscript(id, false, cs.LogPath)
		}
		if cs.FilteredLogPath != "" {
			_ = w.SetTranscript(id, true, cs.FilteredLogPath)
		}
		if cs.Alert {
			_ = w.SetAlert(id, true)
		}
		if cs.Enabled {
			if err := w.Connect(id); err != nil {
				return fmt.Errorf("connect %s: %w", cs.Name, err)
			}
		}
	}
	return nil
}

// State serializes the watcher into its persisted record.
func (w *Watcher) State() config.State {
	w.mu.Lock()
	defer w.mu.Unlock()

	st := config.State{
		Channels:        make([]config.ChannelState, 0, len(w.channels)),
		DefaultFilter:   w.defaultFilter,
		MaxMessageCount: w.maxMessages,
		AlertVolume:     w.volume,
	}
	for _, e := range w.channels {
		cs := config.ChannelState{
			Name:    e.state.Name(),
			Enabled: e.enabled,
			Filter:  e.state.FilterState(),
			Alert:   e.state.Alert(),
		}
		// Failed transcripts are not persisted.
		if ts, ok := e.state.TranscriptStatus(false); ok && ts.OK() {
			cs.LogPath = ts.Path
		}
		if ts, ok := e.state.TranscriptStatus(true); ok && ts.OK() {
			cs.FilteredLogPath = ts.Path
		}
		st.Channels = append(st.Channels, cs)
	}
	return st
}

// monitor surfaces a fatal stop of the current client. Clients replaced by
// Login are closed deliberately and ignored.
func (w *Watcher) monitor(c Client) {
	<-c.Done()
	err := c.Err()
	if err == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.client != c || w.fatalErr != nil {
		return
	}
	w.fatalErr = err
	close(w.fatal)
}

// Fatal is closed when the connection stopped for good, for example
// because the credentials were revoked mid-session.
func (w *Watcher) Fatal() <-chan struct{} { return w.fatal }

// Err returns the error that closed Fatal.
func (w *Watcher) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fatalErr
}

// Close disconnects from chat. Channel states stay readable.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	c := w.client
	w.mu.Unlock()
	return c.Close()
}

// Login replaces the connection with one using token and rejoins every
// enabled channel. On failure the current connection is kept.
func (w *Watcher) Login(ctx context.Context, token string) error {
	next, err := w.connect(ctx, token)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}

	// Held throughout so a concurrent Connect or Disconnect lands entirely
	// before or after the swap. The old client resets its channels when
	// closed, so it is closed before the rejoin.
	w.mu.Lock()
	prev := w.client
	w.client = next
	prev.Close()
	rejoined := 0
	for _, e := range w.channels {
		if !e.enabled {
			continue
		}
		if err = next.Join(e.state.Name(), e.state); err != nil {
			err = fmt.Errorf("rejoin %s: %w", e.state.Name(), err)
			break
		}
		rejoined++
	}
	w.mu.Unlock()

	go w.monitor(next)
	if err != nil {
		return err
	}
	w.logger.Info("chat login replaced", slog.Bool("anonymous", next.Anonymous()), slog.Int("rejoined", rejoined))
	return nil
}

// Anonymous reports whether the current connection is read-only.
func (w *Watcher) Anonymous() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.client.Anonymous()
}

// NewChannel starts watching name with filter f. The channel is not joined
// until Connect.
func (w *Watcher) NewChannel(name string, f filter.State) (ID, error) {
	compiled, err := f.Compile()
	if err != nil {
		return 0, err
	}
	name = message.ChannelName(name)
	if name == "" {
		return 0, fmt.Errorf("watcher: empty channel name")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if slices.ContainsFunc(w.channels, func(e *entry) bool { return e.state.Name() == name }) {
		return 0, fmt.Errorf("%w: %s", ErrDuplicateChannel, name)
	}
	w.nextID++
	e := &entry{
		id:    w.nextID,
		state: channel.New(name, w.maxMessages, compiled),
	}
	e.state.SetLogger(w.logger)
	w.channels = append(w.channels, e)
	return e.id, nil
}

// Channels lists the handles in creation order.
func (w *Watcher) Channels() []ID {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]ID, len(w.channels))
	for i, e := range w.channels {
		ids[i] = e.id
	}
	return ids
}

// Lookup finds the handle of a watched channel by name.
func (w *Watcher) Lookup(name string) (ID, bool) {
	name = message.ChannelName(name)
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, e := range w.channels {
		if e.state.Name() == name {
			return e.id, true
		}
	}
	return 0, false
}

func (w *Watcher) find(id ID) (*entry, error) {
	for _, e := range w.channels {
		if e.id == id {
			return e, nil
		}
	}
	return nil, ErrUnknownChannel
}

func (w *Watcher) channel(id ID) (*channel.State, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, err := w.find(id)
	if err != nil {
		return nil, err
	}
	return e.state, nil
}

// Connect joins the channel. Message history is kept across
// Disconnect/Connect.
func (w *Watcher) Connect(id ID) error {
	w.mu.Lock()
	e, err := w.find(id)
	if err != nil {
		w.mu.Unlock()
		return err
	}
	e.enabled = true
	defer w.mu.Unlock()
	return w.client.Join(e.state.Name(), e.state)
}

// Disconnect parts the channel.
func (w *Watcher) Disconnect(id ID) error {
	w.mu.Lock()
	e, err := w.find(id)
	if err != nil {
		w.mu.Unlock()
		return err
	}
	defer w.mu.Unlock()
	wasEnabled := e.enabled
	e.enabled = false
	e.state.SetConnState(channel.Uninitialized)
	if !wasEnabled {
		return nil
	}
	return w.client.Part(e.state.Name())
}

// Remove parts the channel and forgets it along with its history.
func (w *Watcher) Remove(id ID) error {
	w.mu.Lock()
	e, err := w.find(id)
	if err != nil {
		w.mu.Unlock()
		return err
	}
	defer w.mu.Unlock()
	w.channels = slices.DeleteFunc(w.channels, func(x *entry) bool { return x == e })
	e.state.SetAlert(nil)
	if e.enabled {
		return w.client.Part(e.state.Name())
	}
	return nil
}

// Messages returns a snapshot of one sequence, oldest first.
func (w *Watcher) Messages(id ID, filtered bool) ([]message.Message, error) {
	s, err := w.channel(id)
	if err != nil {
		return nil, err
	}
	return s.Messages(filtered), nil
}

// MessageCount returns the length of one sequence.
func (w *Watcher) MessageCount(id ID, filtered bool) (int, error) {
	s, err := w.channel(id)
	if err != nil {
		return 0, err
	}
	return s.Count(filtered), nil
}

// Clear empties one sequence.
func (w *Watcher) Clear(id ID, filtered bool) error {
	s, err := w.channel(id)
	if err != nil {
		return err
	}
	s.Clear(filtered)
	return nil
}

// Unread reports whether a filtered message arrived since MarkRead.
func (w *Watcher) Unread(id ID) (bool, error) {
	s, err := w.channel(id)
	if err != nil {
		return false, err
	}
	return s.Unread(), nil
}

func (w *Watcher) MarkRead(id ID) error {
	s, err := w.channel(id)
	if err != nil {
		return err
	}
	s.MarkRead()
	return nil
}

// ConnState reports whether the server acknowledged the join.
func (w *Watcher) ConnState(id ID) (channel.ConnState, error) {
	s, err := w.channel(id)
	if err != nil {
		return channel.Uninitialized, err
	}
	return s.ConnState(), nil
}

// FilterState returns the editable form of the channel's filter.
func (w *Watcher) FilterState(id ID) (filter.State, error) {
	s, err := w.channel(id)
	if err != nil {
		return filter.State{}, err
	}
	return s.FilterState(), nil
}

// ApplyFilter compiles st and installs it. On a *filter.PatternError the
// previous filter stays in place.
func (w *Watcher) ApplyFilter(id ID, st filter.State) error {
	s, err := w.channel(id)
	if err != nil {
		return err
	}
	return s.ApplyFilter(st)
}

// MutateFilter edits the compiled filter in place, e.g. to block an author.
func (w *Watcher) MutateFilter(id ID, fn func(*filter.Filter)) error {
	s, err := w.channel(id)
	if err != nil {
		return err
	}
	s.MutateFilter(fn)
	return nil
}

// DefaultFilter is the filter offered for new channels.
func (w *Watcher) DefaultFilter() filter.State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.defaultFilter
}

func (w *Watcher) SetDefaultFilter(st filter.State) error {
	if _, err := st.Compile(); err != nil {
		return err
	}
	w.mu.Lock()
	w.defaultFilter = st
	w.mu.Unlock()
	return nil
}

// SetTranscript sets the transcript file of one sequence; an empty path
// turns it off.
func (w *Watcher) SetTranscript(id ID, filtered bool, path string) error {
	s, err := w.channel(id)
	if err != nil {
		return err
	}
	s.SetTranscript(filtered, path)
	return nil
}

// TranscriptStatus reports the transcript of one sequence; ok is false
// when none is set.
func (w *Watcher) TranscriptStatus(id ID, filtered bool) (st transcript.Status, ok bool, err error) {
	s, err := w.channel(id)
	if err != nil {
		return transcript.Status{}, false, err
	}
	st, ok = s.TranscriptStatus(filtered)
	return st, ok, nil
}

// SetAlert subscribes the channel's filtered messages to the shared alert.
func (w *Watcher) SetAlert(id ID, enabled bool) error {
	s, err := w.channel(id)
	if err != nil {
		return err
	}
	if enabled && w.alerts != nil {
		s.SetAlert(w.alerts)
	} else if enabled {
		s.SetAlert(silent{})
	} else {
		s.SetAlert(nil)
	}
	return nil
}

// AlertTest plays the alert at volume, subject to the cooldown.
func (w *Watcher) AlertTest(volume float64) {
	if w.alerts != nil {
		w.alerts.Test(volume)
	}
}

// SetAlertVolume changes the volume of subsequent alerts.
func (w *Watcher) SetAlertVolume(v float64) {
	w.mu.Lock()
	w.volume = v
	w.mu.Unlock()
	if w.alerts != nil {
		w.alerts.SetVolume(v)
	}
}

// AlertVolume is the volume of triggered alerts.
func (w *Watcher) AlertVolume() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.volume
}

// Send posts text to the channel, optionally as a reply to replyTo.
func (w *Watcher) Send(id ID, text string, replyTo *message.Message) error {
	w.mu.Lock()
	e, err := w.find(id)
	c := w.client
	w.mu.Unlock()
	if err != nil {
		return err
	}
	return c.Send(e.state.Name(), text, replyTo)
}

// MaxMessageCount is the retention bound of every channel.
func (w *Watcher) MaxMessageCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.maxMessages
}

// SetMaxMessageCount changes the retention bound of every channel and
// trims existing history to it.
func (w *Watcher) SetMaxMessageCount(n int) {
	if n <= 0 {
		n = channel.DefaultMaxMessages
	}
	w.mu.Lock()
	w.maxMessages = n
	states := make([]*channel.State, len(w.channels))
	for i, e := range w.channels {
		states[i] = e.state
	}
	w.mu.Unlock()

	for _, s := range states {
		s.SetMaxMessages(n)
	}
}

// silent stands in for a missing debouncer so the subscription survives
// serialization.
type silent struct{}

func (silent) Trigger() {}
