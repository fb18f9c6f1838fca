// Package twitch is the chat protocol client.
//
// A Client wraps one go-twitch-irc connection shared by every joined channel.
// The library owns the socket: it negotiates, answers and sends PINGs,
// detects a dead connection through the pong timeout, reconnects and rejoins.
// Its callbacks are forwarded as events to a single goroutine (the loop)
// which owns the channel registry and the pending sends; callers talk to the
// loop through bounded request queues and never wait on network I/O.
package twitch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/john/chatwatch/internal/channel"
	"github.com/john/chatwatch/internal/message"
	"github.com/john/chatwatch/internal/metrics"
)

const (
	// DefaultAddr is the TLS chat endpoint.
	DefaultAddr = "irc.chat.twitch.tv:6697"
	// AnonymousLogin is the public read-only identity used without a token.
	AnonymousLogin = "justinfan123123"

	queueSize      = 64
	connectTimeout = 15 * time.Second
	maxBackoff     = 30 * time.Second
)

var (
	// ErrAuth means the server rejected the credentials.
	ErrAuth = errors.New("twitch: authentication rejected")
	// ErrNegotiation means the server did not welcome the connection.
	ErrNegotiation = errors.New("twitch: connection negotiation failed")
	// ErrClosed is returned for requests made after Close.
	ErrClosed = errors.New("twitch: client closed")
	// ErrReadOnly is returned when sending on the anonymous identity.
	ErrReadOnly = errors.New("twitch: anonymous connection is read-only")
)

// Channel receives the traffic of one joined channel. *channel.State
// satisfies it.
type Channel interface {
	Ingest(m message.Message)
	SetConnState(c channel.ConnState)
}

// Config configures a Client.
type Config struct {
	// Token is the OAuth access token, with or without the "oauth:"
	// prefix. Empty connects anonymously.
	Token string
	// Login is the nick sent with a token. It should match the account the
	// token belongs to; the server derives the real identity from the token.
	Login string
	// Addr defaults to DefaultAddr.
	Addr string
	// PlainText dials without TLS. Only meant for local servers.
	PlainText bool
	// PingInterval is the idle time after which the connection is checked
	// with a PING, and PongTimeout how long the answer may take before the
	// connection is replaced. Zero keeps the library defaults (15s and 5s).
	PingInterval time.Duration
	PongTimeout  time.Duration
	// ConnectTimeout bounds the wait for the server welcome in New.
	ConnectTimeout time.Duration
	Logger         *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

type memberRequest struct {
	name   string
	target Channel
	join   bool
}

type sendRequest struct {
	channel string
	text    string
	replyTo *message.Message
}

type pendingSend struct {
	text    string
	replyTo *message.Message
}

// Client is a multiplexed chat connection.
type Client struct {
	irc       *twitch.Client
	nick      string
	anonymous bool
	timeout   time.Duration
	logger    *slog.Logger
	now       func() time.Time

	members chan memberRequest
	sends   chan sendRequest
	events  chan any
	cancel  context.CancelFunc
	done    chan struct{}
	err     error // set before done is closed
	online  atomic.Bool

	// Owned by the loop goroutine.
	registry map[string]Channel
	pending  map[string]pendingSend
}

// New connects and waits for the server welcome. It fails with ErrAuth or
// ErrNegotiation (or a dial error) without retrying. ctx bounds the initial
// connection only; the client runs until Close.
func New(ctx context.Context, cfg Config) (*Client, error) {
	c := &Client{
		timeout:  cfg.ConnectTimeout,
		logger:   cfg.Logger,
		now:      cfg.Now,
		members:  make(chan memberRequest, queueSize),
		sends:    make(chan sendRequest, queueSize),
		events:   make(chan any, queueSize),
		done:     make(chan struct{}),
		registry: make(map[string]Channel),
		pending:  make(map[string]pendingSend),
	}
	if c.timeout <= 0 {
		c.timeout = connectTimeout
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}

	if cfg.Token == "" {
		c.irc = twitch.NewAnonymousClient()
		c.nick = AnonymousLogin
		c.anonymous = true
	} else {
		c.nick = strings.ToLower(cfg.Login)
		if c.nick == "" {
			c.nick = "chatwatch"
		}
		pass := cfg.Token
		if !strings.HasPrefix(pass, "oauth:") {
			pass = "oauth:" + pass
		}
		c.irc = twitch.NewClient(c.nick, pass)
	}
	c.irc.IrcAddress = cfg.Addr
	if c.irc.IrcAddress == "" {
		c.irc.IrcAddress = DefaultAddr
	}
	c.irc.TLS = !cfg.PlainText
	if cfg.PingInterval > 0 {
		c.irc.IdlePingInterval = cfg.PingInterval
	}
	if cfg.PongTimeout > 0 {
		c.irc.PongTimeout = cfg.PongTimeout
	}
	c.bind()

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.supervise(loopCtx)

	if err := c.awaitWelcome(ctx); err != nil {
		cancel()
		close(c.done)
		_ = c.irc.Disconnect()
		return nil, err
	}
	c.logger.Info("connected to twitch chat", slog.String("addr", c.irc.IrcAddress), slog.String("login", c.nick))
	go c.run(loopCtx)
	return c, nil
}

// Anonymous reports whether the client uses the read-only identity.
func (c *Client) Anonymous() bool { return c.anonymous }

// Join registers target for channel name and sends JOIN. Joining a
// registered name replaces its target.
func (c *Client) Join(name string, target Channel) error {
	return c.enqueueMember(memberRequest{name: message.ChannelName(name), target: target, join: true})
}

// Part sends PART and deregisters the channel. Frames for it that arrive
// afterwards are dropped.
func (c *Client) Part(name string) error {
	return c.enqueueMember(memberRequest{name: message.ChannelName(name)})
}

// Send transmits text to a channel, optionally as a reply. The sent message
// shows up in the channel once the server acknowledges it.
func (c *Client) Send(name, text string, replyTo *message.Message) error {
	if c.Anonymous() {
		return ErrReadOnly
	}
	text = strings.TrimSpace(strings.NewReplacer("\r", " ", "\n", " ").Replace(text))
	if text == "" {
		return nil
	}
	req := sendRequest{channel: message.ChannelName(name), text: text, replyTo: replyTo}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.sends <- req:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

func (c *Client) enqueueMember(req memberRequest) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.members <- req:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// Close stops the loop and disconnects. Queued requests are dropped and
// every registered channel is left uninitialized.
func (c *Client) Close() error {
	c.cancel()
	<-c.done
	return nil
}

// Done is closed when the client has stopped, after Close or on a fatal
// authentication failure.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the fatal error that stopped the client, or nil. Only valid
// after Done is closed.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// emit hands a library event to the loop. Callbacks run on library
// goroutines and must not block once the client has stopped.
func (c *Client) emit(ev any) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Client) bind() {
	c.irc.OnConnect(func() {
		select {
		case <-c.done:
			// Closed while the library was still reconnecting.
			_ = c.irc.Disconnect()
			return
		default:
		}
		c.online.Store(true)
		c.emit(connected{})
	})
	c.irc.OnPrivateMessage(func(m twitch.PrivateMessage) { c.emit(m) })
	c.irc.OnUserStateMessage(func(m twitch.UserStateMessage) { c.emit(m) })
	c.irc.OnSelfJoinMessage(func(m twitch.UserJoinMessage) { c.emit(m) })
	// Without the membership capability every JOIN is our own, including
	// when the server knows the token by a login other than our nick.
	c.irc.OnUserJoinMessage(func(m twitch.UserJoinMessage) { c.emit(m) })
	c.irc.OnNoticeMessage(func(m twitch.NoticeMessage) { c.emit(m) })
	c.irc.OnReconnectMessage(func(m twitch.ReconnectMessage) { c.emit(m) })
	c.irc.OnUnsetMessage(func(m twitch.RawMessage) {
		if m.RawType == "CAP" && strings.Contains(m.Raw, " NAK ") {
			c.emit(capRefused{line: m.Raw})
		}
	})
}

// supervise keeps the library connected. Connect handles server requested
// and pong timeout reconnects itself and only returns on a dial error, a
// rejected login or Disconnect.
func (c *Client) supervise(ctx context.Context) {
	var backoff time.Duration
	for {
		err := c.irc.Connect()
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, twitch.ErrLoginAuthenticationFailed) {
			c.emit(stopped{err: fmt.Errorf("%w: %v", ErrAuth, err)})
			return
		}
		if c.online.Swap(false) {
			backoff = 0
		}
		c.emit(disconnected{err: err})

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(max(2*backoff, 500*time.Millisecond), maxBackoff)
	}
}

func (c *Client) awaitWelcome(ctx context.Context) error {
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	for {
		select {
		case ev := <-c.events:
			switch ev := ev.(type) {
			case connected:
				return nil
			case stopped:
				return ev.err
			case disconnected:
				return fmt.Errorf("dial %s: %w", c.irc.IrcAddress, ev.err)
			case capRefused:
				return fmt.Errorf("%w: capabilities refused: %s", ErrNegotiation, ev.line)
			}
		case <-timer.C:
			return fmt.Errorf("%w: no welcome from %s within %s", ErrNegotiation, c.irc.IrcAddress, c.timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// run is the registry owner. It handles exactly one event per iteration.
func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	defer func() {
		_ = c.irc.Disconnect()
		c.resetChannels()
		metrics.JoinedChannels.Set(0)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-c.members:
			c.handleMember(req)
		case req := <-c.sends:
			c.handleSend(req)
		case ev := <-c.events:
			if err := c.handleEvent(ev); err != nil {
				if ctx.Err() == nil {
					c.err = err
					c.logger.Error("twitch chat client stopped", slog.Any("err", err))
				}
				return
			}
		}
	}
}

// resetChannels marks every channel uninitialized until the server
// acknowledges the next JOIN. Pending sends belong to the old connection.
func (c *Client) resetChannels() {
	clear(c.pending)
	for _, target := range c.registry {
		target.SetConnState(channel.Uninitialized)
	}
}

func (c *Client) handleMember(req memberRequest) {
	if req.join {
		c.registry[req.name] = req.target
		c.irc.Join(req.name)
	} else {
		if target, ok := c.registry[req.name]; ok {
			delete(c.registry, req.name)
			target.SetConnState(channel.Uninitialized)
		}
		delete(c.pending, req.name)
		c.irc.Depart(req.name)
	}
	metrics.JoinedChannels.Set(float64(len(c.registry)))
}

func (c *Client) handleSend(req sendRequest) {
	if req.replyTo != nil && req.replyTo.ID != "" {
		c.irc.Reply(req.channel, req.replyTo.ID, req.text)
	} else {
		c.irc.Say(req.channel, req.text)
	}
	// One pending echo per channel: a newer send replaces an older one.
	c.pending[req.channel] = pendingSend{text: req.text, replyTo: req.replyTo}
}
