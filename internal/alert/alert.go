// Package alert plays an audible cue when filtered messages arrive, at most
// once per cooldown window.
//
// Requests go through a queue to a single worker so playback never blocks
// message ingestion. A request arriving inside the cooldown is dropped, not
// delayed: buffering alerts would defeat the cooldown.
package alert

import (
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/john/chatwatch/internal/metrics"
)

// Cooldown is the minimum time between two played cues.
const Cooldown = 10 * time.Second

const defaultQueueSize = 16

// Player plays the cue at a volume in [0, 1].
type Player interface {
	Play(volume float64) error
}

// PlayerFunc adapts a function to Player.
type PlayerFunc func(volume float64) error

func (f PlayerFunc) Play(volume float64) error { return f(volume) }

type request struct {
	volume float64
	at     time.Time
}

// Debouncer owns the audio worker. One Debouncer may be shared by several
// channels; the cooldown is per Debouncer.
type Debouncer struct {
	player  Player
	limiter *rate.Limiter
	now     func() time.Time
	logger  *slog.Logger

	volume atomic.Uint64 // math.Float64bits

	mu     sync.RWMutex
	closed bool
	queue  chan request
	done   chan struct{}
}

// Option configures a Debouncer.
type Option func(*Debouncer)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Debouncer) { d.now = now }
}

// WithLogger sets the logger used for playback failures.
func WithLogger(l *slog.Logger) Option {
	return func(d *Debouncer) { d.logger = l }
}

// New starts a Debouncer playing through player at full volume.
func New(player Player, opts ...Option) *Debouncer {
	d := &Debouncer{
		player:  player,
		limiter: rate.NewLimiter(rate.Every(Cooldown), 1),
		now:     time.Now,
		logger:  slog.Default(),
		queue:   make(chan request, defaultQueueSize),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	d.SetVolume(1)
	go d.run()
	return d
}

// Trigger requests a cue at the current volume.
func (d *Debouncer) Trigger() {
	d.enqueue(d.Volume())
}

// Test requests a cue at the given volume, ignoring the configured one.
// It is subject to the same cooldown.
func (d *Debouncer) Test(volume float64) {
	d.enqueue(clampVolume(volume))
}

func (d *Debouncer) enqueue(volume float64) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- request{volume: volume, at: d.now()}:
	default:
		metrics.Alerts.WithLabelValues(metrics.AlertDropped).Inc()
	}
}

// SetVolume sets the volume used by the next Trigger.
func (d *Debouncer) SetVolume(v float64) {
	d.volume.Store(math.Float64bits(clampVolume(v)))
}

// Volume returns the current volume.
func (d *Debouncer) Volume() float64 {
	return math.Float64frombits(d.volume.Load())
}

// Close stops accepting requests, drains the queue and stops the worker.
func (d *Debouncer) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	<-d.done
}

func (d *Debouncer) run() {
	defer close(d.done)
	for req := range d.queue {
		if !d.limiter.AllowN(req.at, 1) {
			metrics.Alerts.WithLabelValues(metrics.AlertDropped).Inc()
			continue
		}
		if err := d.player.Play(req.volume); err != nil {
			metrics.Alerts.WithLabelValues(metrics.AlertFailed).Inc()
			d.logger.Warn("alert playback failed", slog.Any("err", err))
			continue
		}
		metrics.Alerts.WithLabelValues(metrics.AlertPlayed).Inc()
	}
}

func clampVolume(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
