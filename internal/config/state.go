package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/john/chatwatch/internal/filter"
)

const (
	DefaultMaxMessageCount = 1000
	DefaultAlertVolume     = 1.0
)

// ChannelState is the persisted form of one watched channel.
type ChannelState struct {
	Name            string       `yaml:"name" json:"name"`
	Enabled         bool         `yaml:"enabled" json:"enabled"`
	Filter          filter.State `yaml:"filter" json:"filter"`
	LogPath         string       `yaml:"log_path,omitempty" json:"log_path,omitempty"`
	FilteredLogPath string       `yaml:"filtered_log_path,omitempty" json:"filtered_log_path,omitempty"`
	Alert           bool         `yaml:"alert" json:"alert"`
}

// State is the persisted watcher record: every channel plus the global
// defaults applied to new ones.
type State struct {
	Channels        []ChannelState `yaml:"channels" json:"channels"`
	DefaultFilter   filter.State   `yaml:"default_filter" json:"default_filter"`
	MaxMessageCount int            `yaml:"max_message_count" json:"max_message_count"`
	AlertVolume     float64        `yaml:"alert_volume" json:"alert_volume"`
}

// NewState returns an empty record with defaults.
func NewState() State {
	return State{
		MaxMessageCount: DefaultMaxMessageCount,
		AlertVolume:     DefaultAlertVolume,
	}
}

func (s *State) setDefaults() {
	if s.MaxMessageCount <= 0 {
		s.MaxMessageCount = DefaultMaxMessageCount
	}
	if s.AlertVolume < 0 {
		s.AlertVolume = DefaultAlertVolume
	}
}

// LoadState reads the persisted record. A missing file yields NewState.
func LoadState(path string) (State, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return NewState(), nil
	}
	if err != nil {
		return State{}, fmt.Errorf("read state file: %w", err)
	}

	st := NewState()
	if err := yaml.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("parse state file: %w", err)
	}
	st.setDefaults()
	return st, nil
}

// SaveState writes the record atomically: readers see either the old file
// or the new one.
func SaveState(path string, st State) error {
	data, err := yaml.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close state: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// Seed appends an enabled channel with the default filter for every name
// not already in the record. It returns how many were added.
func (s *State) Seed(names []string) int {
	added := 0
	for _, name := range names {
		name = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "#"))
		if name == "" || slices.ContainsFunc(s.Channels, func(c ChannelState) bool { return c.Name == name }) {
			continue
		}
		s.Channels = append(s.Channels, ChannelState{Name: name, Enabled: true, Filter: s.DefaultFilter})
		added++
	}
	return added
}
