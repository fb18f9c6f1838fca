package watcher

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/john/chatwatch/internal/channel"
	"github.com/john/chatwatch/internal/config"
	"github.com/john/chatwatch/internal/filter"
	"github.com/john/chatwatch/internal/message"
	"github.com/john/chatwatch/internal/twitch"
)

type sent struct {
	channel string
	text    string
	replyTo *message.Message
}

type fakeClient struct {
	token string

	mu     sync.Mutex
	joined map[string]twitch.Channel
	parts  []string
	sent   []sent
	closed bool
	err    error
	done   chan struct{}
}

func newFakeClient(token string) *fakeClient {
	return &fakeClient{token: token, joined: make(map[string]twitch.Channel), done: make(chan struct{})}
}

func (f *fakeClient) Join(name string, target twitch.Channel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return twitch.ErrClosed
	}
	f.joined[name] = target
	return nil
}

func (f *fakeClient) Part(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.joined, name)
	f.parts = append(f.parts, name)
	return nil
}

func (f *fakeClient) Send(name, text string, replyTo *message.Message) error {
	if f.Anonymous() {
		return twitch.ErrReadOnly
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{name, text, replyTo})
	return nil
}

func (f *fakeClient) Anonymous() bool { return f.token == "" }

func (f *fakeClient) Close() error {
	f.stop(nil)
	return nil
}

func (f *fakeClient) stop(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	f.err = err
	close(f.done)
}

func (f *fakeClient) Done() <-chan struct{} { return f.done }

func (f *fakeClient) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeClient) target(name string) twitch.Channel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.joined[name]
}

// connector hands out fake clients and remembers them.
type connector struct {
	mu      sync.Mutex
	clients []*fakeClient
	reject  map[string]error
}

func (c *connector) connect(_ context.Context, token string) (Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.reject[token]; err != nil {
		return nil, err
	}
	fc := newFakeClient(token)
	c.clients = append(c.clients, fc)
	return fc, nil
}

func (c *connector) last() *fakeClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clients[len(c.clients)-1]
}

type fakeAlerts struct {
	mu       sync.Mutex
	triggers int
	tests    []float64
	volume   float64
}

func (a *fakeAlerts) Trigger() {
	a.mu.Lock()
	a.triggers++
	a.mu.Unlock()
}

func (a *fakeAlerts) Test(volume float64) {
	a.mu.Lock()
	a.tests = append(a.tests, volume)
	a.mu.Unlock()
}

func (a *fakeAlerts) SetVolume(v float64) {
	a.mu.Lock()
	a.volume = v
	a.mu.Unlock()
}

func (a *fakeAlerts) Volume() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.volume
}

func (a *fakeAlerts) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.triggers
}

func newWatcher(t *testing.T, token string) (*Watcher, *connector, *fakeAlerts) {
	t.Helper()
	conn := &connector{}
	alerts := &fakeAlerts{volume: 1}
	w, err := New(context.Background(), token, Options{Connect: conn.connect, Alerts: alerts})
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w, conn, alerts
}

func msg(id, login, text string) message.Message {
	return message.Message{ID: id, Channel: "alice", Login: login, DisplayName: login, Text: text, SentAt: time.Now()}
}

func TestChannelScenario(t *testing.T) {
	w, conn, alerts := newWatcher(t, "token")

	id, err := w.NewChannel("#Alice", filter.State{IncludeAuthor: "^mod1$"})
	require.NoError(t, err)
	require.NoError(t, w.SetAlert(id, true))
	require.NoError(t, w.Connect(id))

	target := conn.last().target("alice")
	require.NotNil(t, target)
	target.SetConnState(channel.Joined)
	target.Ingest(msg("1", "mod1", "hello"))
	target.Ingest(msg("2", "bob", "hello"))

	all, err := w.Messages(id, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	filtered, err := w.Messages(id, true)
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "mod1", filtered[0].Login)

	n, err := w.MessageCount(id, true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	unread, err := w.Unread(id)
	require.NoError(t, err)
	assert.True(t, unread)
	assert.Equal(t, 1, alerts.count())

	require.NoError(t, w.MarkRead(id))
	unread, _ = w.Unread(id)
	assert.False(t, unread)

	cs, err := w.ConnState(id)
	require.NoError(t, err)
	assert.Equal(t, channel.Joined, cs)

	require.NoError(t, w.Clear(id, false))
	n, _ = w.MessageCount(id, false)
	assert.Equal(t, 0, n)
	n, _ = w.MessageCount(id, true)
	assert.Equal(t, 1, n)
}

func TestDisconnectKeepsHistory(t *testing.T) {
	w, conn, _ := newWatcher(t, "")
	id, err := w.NewChannel("alice", filter.State{})
	require.NoError(t, err)
	require.NoError(t, w.Connect(id))
	conn.last().target("alice").Ingest(msg("1", "bob", "hi"))

	require.NoError(t, w.Disconnect(id))
	assert.Equal(t, []string{"alice"}, conn.last().parts)
	assert.Nil(t, conn.last().target("alice"))
	cs, _ := w.ConnState(id)
	assert.Equal(t, channel.Uninitialized, cs)

	// Parting twice only sends one PART.
	require.NoError(t, w.Disconnect(id))
	assert.Len(t, conn.last().parts, 1)

	require.NoError(t, w.Connect(id))
	n, _ := w.MessageCount(id, false)
	assert.Equal(t, 1, n)
}

func TestRemoveThenRecreateStartsEmpty(t *testing.T) {
	w, conn, _ := newWatcher(t, "")
	id, err := w.NewChannel("alice", filter.State{})
	require.NoError(t, err)
	require.NoError(t, w.Connect(id))
	conn.last().target("alice").Ingest(msg("1", "bob", "hi"))

	require.NoError(t, w.Remove(id))
	assert.Equal(t, []string{"alice"}, conn.last().parts)
	_, err = w.Messages(id, false)
	assert.ErrorIs(t, err, ErrUnknownChannel)
	assert.ErrorIs(t, w.Remove(id), ErrUnknownChannel)

	id2, err := w.NewChannel("alice", filter.State{})
	require.NoError(t, err)
	assert.NotEqual(t, id, id2)
	n, err := w.MessageCount(id2, false)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestNewChannelValidation(t *testing.T) {
	w, _, _ := newWatcher(t, "")
	_, err := w.NewChannel("alice", filter.State{})
	require.NoError(t, err)

	_, err = w.NewChannel("ALICE", filter.State{})
	assert.ErrorIs(t, err, ErrDuplicateChannel)

	_, err = w.NewChannel("#", filter.State{})
	assert.Error(t, err)

	_, err = w.NewChannel("bob", filter.State{IncludeMessage: "("})
	var perr *filter.PatternError
	assert.ErrorAs(t, err, &perr)

	id, ok := w.Lookup("#alice")
	assert.True(t, ok)
	assert.Equal(t, []ID{id}, w.Channels())
}

func TestFilterAccess(t *testing.T) {
	w, conn, _ := newWatcher(t, "")
	id, err := w.NewChannel("alice", filter.State{IncludeMessage: "hello"})
	require.NoError(t, err)
	require.NoError(t, w.Connect(id))

	err = w.ApplyFilter(id, filter.State{IncludeMessage: "[unclosed"})
	var perr *filter.PatternError
	require.ErrorAs(t, err, &perr)
	st, err := w.FilterState(id)
	require.NoError(t, err)
	assert.Equal(t, "hello", st.IncludeMessage)

	require.NoError(t, w.MutateFilter(id, func(f *filter.Filter) { f.ExcludeAuthor("Spammer") }))
	target := conn.last().target("alice")
	target.Ingest(msg("1", "spammer", "hello"))
	target.Ingest(msg("2", "friend", "hello"))
	filtered, _ := w.Messages(id, true)
	require.Len(t, filtered, 1)
	assert.Equal(t, "friend", filtered[0].Login)

	require.NoError(t, w.SetDefaultFilter(filter.State{Moderator: true}))
	assert.True(t, w.DefaultFilter().Moderator)
	assert.Error(t, w.SetDefaultFilter(filter.State{ExcludeAuthor: "*"}))
}

func TestSend(t *testing.T) {
	w, conn, _ := newWatcher(t, "token")
	id, err := w.NewChannel("alice", filter.State{})
	require.NoError(t, err)

	parent := msg("p1", "bob", "question")
	require.NoError(t, w.Send(id, "answer", &parent))
	require.Len(t, conn.last().sent, 1)
	assert.Equal(t, sent{"alice", "answer", &parent}, conn.last().sent[0])

	assert.ErrorIs(t, w.Send(ID(999), "x", nil), ErrUnknownChannel)
}

func TestSendAnonymous(t *testing.T) {
	w, _, _ := newWatcher(t, "")
	id, err := w.NewChannel("alice", filter.State{})
	require.NoError(t, err)
	assert.True(t, w.Anonymous())
	assert.ErrorIs(t, w.Send(id, "hi", nil), twitch.ErrReadOnly)
}

func TestLoginRejoinsEnabledChannels(t *testing.T) {
	w, conn, _ := newWatcher(t, "")
	first := conn.last()

	alice, _ := w.NewChannel("alice", filter.State{})
	bob, _ := w.NewChannel("bob", filter.State{})
	_, _ = w.NewChannel("carol", filter.State{})
	require.NoError(t, w.Connect(alice))
	require.NoError(t, w.Connect(bob))
	require.NoError(t, w.Disconnect(bob))

	require.NoError(t, w.Login(context.Background(), "token"))
	second := conn.last()
	assert.NotSame(t, first, second)
	assert.False(t, w.Anonymous())
	assert.NotNil(t, second.target("alice"))
	assert.Nil(t, second.target("bob"))
	assert.Nil(t, second.target("carol"))

	select {
	case <-first.Done():
	default:
		t.Fatal("previous client not closed")
	}
	select {
	case <-w.Fatal():
		t.Fatal("closing the replaced client is not fatal")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestLoginRacingDisconnect(t *testing.T) {
	for i := 0; i < 50; i++ {
		w, conn, _ := newWatcher(t, "")
		id, _ := w.NewChannel("alice", filter.State{})
		require.NoError(t, w.Connect(id))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, w.Login(context.Background(), "token"))
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, w.Disconnect(id))
		}()
		wg.Wait()

		// Whichever ran first, a disabled channel is not joined on the
		// connection that survives.
		assert.Nil(t, conn.last().target("alice"), "iteration %d", i)
		st, err := w.ConnState(id)
		require.NoError(t, err)
		assert.Equal(t, channel.Uninitialized, st)
	}
}

func TestLoginFailureKeepsClient(t *testing.T) {
	w, conn, _ := newWatcher(t, "")
	conn.reject = map[string]error{"bad": twitch.ErrAuth}
	first := conn.last()

	err := w.Login(context.Background(), "bad")
	assert.ErrorIs(t, err, twitch.ErrAuth)
	assert.Same(t, first, conn.last())
	assert.True(t, w.Anonymous())
	select {
	case <-first.Done():
		t.Fatal("client closed on failed login")
	default:
	}
}

func TestFatalClientError(t *testing.T) {
	w, conn, _ := newWatcher(t, "token")
	conn.last().stop(twitch.ErrAuth)

	select {
	case <-w.Fatal():
	case <-time.After(time.Second):
		t.Fatal("fatal not signalled")
	}
	assert.ErrorIs(t, w.Err(), twitch.ErrAuth)
}

func TestSetMaxMessageCount(t *testing.T) {
	w, conn, _ := newWatcher(t, "")
	id, _ := w.NewChannel("alice", filter.State{IncludeMessage: "."})
	require.NoError(t, w.Connect(id))
	target := conn.last().target("alice")
	for _, n := range []string{"1", "2", "3", "4", "5"} {
		target.Ingest(msg(n, "bob", "m"+n))
	}

	w.SetMaxMessageCount(2)
	assert.Equal(t, 2, w.MaxMessageCount())
	all, _ := w.Messages(id, false)
	require.Len(t, all, 2)
	assert.Equal(t, "4", all[0].ID)
	n, _ := w.MessageCount(id, true)
	assert.Equal(t, 2, n)

	// New channels pick up the bound too.
	id2, _ := w.NewChannel("bob", filter.State{})
	require.NoError(t, w.Connect(id2))
	for _, n := range []string{"1", "2", "3"} {
		conn.last().target("bob").Ingest(msg(n, "x", "y"))
	}
	n, _ = w.MessageCount(id2, false)
	assert.Equal(t, 2, n)
}

func TestAlerts(t *testing.T) {
	w, conn, alerts := newWatcher(t, "")
	id, _ := w.NewChannel("alice", filter.State{IncludeMessage: "ping"})
	require.NoError(t, w.Connect(id))
	target := conn.last().target("alice")

	target.Ingest(msg("1", "bob", "ping"))
	assert.Equal(t, 0, alerts.count())

	require.NoError(t, w.SetAlert(id, true))
	target.Ingest(msg("2", "bob", "ping"))
	target.Ingest(msg("3", "bob", "pong"))
	assert.Equal(t, 1, alerts.count())

	require.NoError(t, w.SetAlert(id, false))
	target.Ingest(msg("4", "bob", "ping"))
	assert.Equal(t, 1, alerts.count())

	w.AlertTest(0.3)
	w.SetAlertVolume(0.7)
	assert.Equal(t, []float64{0.3}, alerts.tests)
	assert.Equal(t, 0.7, alerts.Volume())
}

func TestTranscripts(t *testing.T) {
	w, conn, _ := newWatcher(t, "")
	id, _ := w.NewChannel("alice", filter.State{})
	require.NoError(t, w.Connect(id))

	_, ok, err := w.TranscriptStatus(id, false)
	require.NoError(t, err)
	assert.False(t, ok)

	good := filepath.Join(t.TempDir(), "alice.log")
	bad := filepath.Join(t.TempDir(), "missing", "dir", "alice.log")
	require.NoError(t, w.SetTranscript(id, false, good))
	require.NoError(t, w.SetTranscript(id, true, bad))
	require.NoError(t, w.ApplyFilter(id, filter.State{IncludeMessage: "."}))
	conn.last().target("alice").Ingest(msg("1", "bob", "hello"))

	st, ok, err := w.TranscriptStatus(id, false)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, st.OK())
	st, ok, _ = w.TranscriptStatus(id, true)
	require.True(t, ok)
	assert.False(t, st.OK())

	assert.ElementsMatch(t, []Transcript{
		{Channel: "alice", Path: good},
		{Channel: "alice", Path: bad, Filtered: true},
	}, w.Transcripts())

	status := w.Status()
	require.Len(t, status.Channels, 1)
	require.NotNil(t, status.Channels[0].Transcript)
	require.NotNil(t, status.Channels[0].FilteredTranscript)
	assert.NotEmpty(t, status.Channels[0].FilteredTranscript.Err)

	// Failed transcripts are not persisted.
	saved := w.State()
	assert.Equal(t, good, saved.Channels[0].LogPath)
	assert.Empty(t, saved.Channels[0].FilteredLogPath)

	require.NoError(t, w.SetTranscript(id, false, ""))
	_, ok, _ = w.TranscriptStatus(id, false)
	assert.False(t, ok)
}

func TestStateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	want := config.State{
		Channels: []config.ChannelState{
			{
				Name:    "alice",
				Enabled: true,
				Filter:  filter.State{IncludeAuthor: "^mod1$", Moderator: true},
				LogPath: filepath.Join(dir, "alice.log"),
				Alert:   true,
			},
			{
				Name:            "bob",
				Filter:          filter.State{ExcludeMessage: "spam"},
				FilteredLogPath: filepath.Join(dir, "bob.filtered.log"),
			},
		},
		DefaultFilter:   filter.State{Broadcaster: true},
		MaxMessageCount: 50,
		AlertVolume:     0.25,
	}

	conn := &connector{}
	alerts := &fakeAlerts{}
	w, err := FromState(context.Background(), want, "token", Options{Connect: conn.connect, Alerts: alerts})
	require.NoError(t, err)
	defer w.Close()

	assert.NotNil(t, conn.last().target("alice"))
	assert.Nil(t, conn.last().target("bob"))
	assert.Equal(t, 50, w.MaxMessageCount())
	assert.Equal(t, 0.25, alerts.Volume())
	assert.Equal(t, 0.25, w.AlertVolume())

	got := w.State()
	require.Len(t, got.Channels, 2)
	for i := range want.Channels {
		assert.True(t, want.Channels[i].Filter.Equal(got.Channels[i].Filter), "filter %d", i)
		got.Channels[i].Filter = want.Channels[i].Filter
	}
	assert.Equal(t, want, got)

	status := w.Status()
	assert.False(t, status.Anonymous)
	require.Len(t, status.Channels, 2)
	assert.True(t, status.Channels[0].Enabled)
	assert.True(t, status.Channels[0].Alert)
	assert.Equal(t, "uninitialized", status.Channels[0].State)
}

func TestFromStateFallsBackToAnonymous(t *testing.T) {
	conn := &connector{reject: map[string]error{"revoked": twitch.ErrAuth}}
	st := config.NewState()
	st.Channels = []config.ChannelState{{Name: "alice", Enabled: true}}

	w, err := FromState(context.Background(), st, "revoked", Options{Connect: conn.connect})
	require.NoError(t, err)
	defer w.Close()
	assert.True(t, w.Anonymous())
	assert.NotNil(t, conn.last().target("alice"))

	// Without a debouncer the volume still survives a save.
	w.SetAlertVolume(0.4)
	assert.Equal(t, 0.4, w.State().AlertVolume)
}

func TestFromStateErrors(t *testing.T) {
	conn := &connector{reject: map[string]error{"": errors.New("network down")}}
	_, err := FromState(context.Background(), config.NewState(), "", Options{Connect: conn.connect})
	assert.Error(t, err)

	conn = &connector{}
	st := config.NewState()
	st.Channels = []config.ChannelState{{Name: "alice", Filter: filter.State{IncludeMessage: "("}}}
	_, err = FromState(context.Background(), st, "", Options{Connect: conn.connect})
	var perr *filter.PatternError
	assert.ErrorAs(t, err, &perr)
	assert.True(t, conn.last().closed)

	_, err = New(context.Background(), "", Options{})
	assert.Error(t, err)
}
