package twitch

import (
	"log/slog"
	"strings"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/john/chatwatch/internal/channel"
	"github.com/john/chatwatch/internal/message"
	"github.com/john/chatwatch/internal/metrics"
)

// Connection events raised by the library goroutines. Inbound frames arrive
// as the library's own message values.
type (
	connected    struct{}
	disconnected struct{ err error }
	stopped      struct{ err error }
	capRefused   struct{ line string }
)

// handleEvent applies one event to the registry. A non-nil error stops the
// client.
func (c *Client) handleEvent(ev any) error {
	switch ev := ev.(type) {
	case twitch.PrivateMessage:
		target, ok := c.registry[message.ChannelName(ev.Channel)]
		if !ok {
			metrics.DroppedFrames.Inc()
			return nil
		}
		msg, err := message.FromPrivateMessage(&ev)
		if err != nil {
			metrics.DroppedFrames.Inc()
			return nil
		}
		target.Ingest(msg)

	case twitch.UserJoinMessage:
		content, hasContent := joinContent(ev.Raw)
		name := message.ChannelName(ev.Channel)
		if name == "" && hasContent {
			name = content.Channel
		}
		target, ok := c.registry[name]
		if !ok {
			return nil
		}
		target.SetConnState(channel.Joined)
		if hasContent {
			target.Ingest(content)
		}

	case twitch.UserStateMessage:
		name := message.ChannelName(ev.Channel)
		p, ok := c.pending[name]
		if !ok {
			return nil
		}
		delete(c.pending, name)
		if target, ok := c.registry[name]; ok {
			target.Ingest(message.Synthesize(name, c.nick, p.text, ev.Tags, p.replyTo, c.now()))
		}

	case twitch.NoticeMessage:
		c.logger.Debug("twitch notice", slog.String("channel", ev.Channel), slog.String("notice", ev.Message))

	case twitch.ReconnectMessage:
		c.logger.Info("twitch chat server requested reconnect")
		c.resetChannels()

	case connected:
		// The library has rejoined every channel; each one stays
		// uninitialized until its JOIN is acknowledged.
		metrics.Reconnects.Inc()
		c.resetChannels()
		c.logger.Info("reconnected to twitch chat")

	case disconnected:
		c.logger.Warn("twitch chat connection lost", slog.Any("err", ev.err))
		c.resetChannels()

	case capRefused:
		c.logger.Warn("twitch chat capabilities refused", slog.String("reply", ev.line))

	case stopped:
		return ev.err
	}
	return nil
}

// joinContent extracts a chat message carried by a JOIN acknowledgment.
// Plain JOIN frames have no trailing payload and yield nothing.
func joinContent(line string) (message.Message, bool) {
	idx := strings.Index(line, " JOIN #")
	if idx < 0 {
		return message.Message{}, false
	}
	rest := line[idx+len(" JOIN #"):]
	if !strings.Contains(rest, " :") {
		return message.Message{}, false
	}
	msg, err := message.Parse(line[:idx] + " PRIVMSG #" + rest)
	if err != nil {
		return message.Message{}, false
	}
	return msg, true
}
