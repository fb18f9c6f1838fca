package watcher

import (
	"github.com/john/chatwatch/internal/transcript"
)

// ChannelStatus is a point-in-time view of one channel.
type ChannelStatus struct {
	ID                 ID                 `json:"id"`
	Name               string             `json:"name"`
	Enabled            bool               `json:"enabled"`
	State              string             `json:"state"`
	Messages           int                `json:"messages"`
	Filtered           int                `json:"filtered"`
	Unread             bool               `json:"unread"`
	Alert              bool               `json:"alert"`
	Transcript         *transcript.Status `json:"transcript,omitempty"`
	FilteredTranscript *transcript.Status `json:"filtered_transcript,omitempty"`
}

// Status is a point-in-time view of the watcher.
type Status struct {
	Anonymous       bool            `json:"anonymous"`
	MaxMessageCount int             `json:"max_message_count"`
	Channels        []ChannelStatus `json:"channels"`
}

// Transcript is one configured transcript file.
type Transcript struct {
	Channel  string
	Path     string
	Filtered bool
}

// Status snapshots every channel.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	st := Status{
		Anonymous:       w.client.Anonymous(),
		MaxMessageCount: w.maxMessages,
		Channels:        make([]ChannelStatus, 0, len(w.channels)),
	}
	entries := make([]entry, len(w.channels))
	for i, e := range w.channels {
		entries[i] = *e
	}
	w.mu.Unlock()

	for _, e := range entries {
		cs := ChannelStatus{
			ID:       e.id,
			Name:     e.state.Name(),
			Enabled:  e.enabled,
			State:    e.state.ConnState().String(),
			Messages: e.state.Count(false),
			Filtered: e.state.Count(true),
			Unread:   e.state.Unread(),
			Alert:    e.state.Alert(),
		}
		if ts, ok := e.state.TranscriptStatus(false); ok {
			cs.Transcript = &ts
		}
		if ts, ok := e.state.TranscriptStatus(true); ok {
			cs.FilteredTranscript = &ts
		}
		st.Channels = append(st.Channels, cs)
	}
	return st
}

// Transcripts lists the transcript files of every channel, including
// failing ones.
func (w *Watcher) Transcripts() []Transcript {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []Transcript
	for _, e := range w.channels {
		for _, filtered := range []bool{false, true} {
			if ts, ok := e.state.TranscriptStatus(filtered); ok {
				out = append(out, Transcript{Channel: e.state.Name(), Path: ts.Path, Filtered: filtered})
			}
		}
	}
	return out
}
