package session

import (
	"sync"
	"time"

	"github.com/skypro1111/voip-relay-service/internal/protocol"
)

// Defaults used when no configuration overrides them.
const (
	DefaultUsername = "Unknown User"
	DefaultSource   = protocol.Downlink
)

// SourceChangeFunc is called after the active source actually changes.
type SourceChangeFunc func(from, to protocol.Direction)

// State is the shared session record. Writers from different connections are
// not ordered; the last write wins. The two fields are updated independently.
type State struct {
	mu sync.RWMutex

	username        string
	usernameChanged time.Time

	activeSource  protocol.Direction
	sourceChanged time.Time
	switches      uint64

	onSourceChange SourceChangeFunc
}

// Info is a point-in-time copy of State.
type Info struct {
	Username          string             `json:"username"`
	UsernameUpdatedAt time.Time          `json:"username_updated_at"`
	ActiveSource      protocol.Direction `json:"active_source"`
	SourceUpdatedAt   time.Time          `json:"source_updated_at"`
	SourceSwitches    uint64             `json:"source_switches"`
}

// NewState creates a State with the given defaults.
func NewState(defaultUsername string, defaultSource protocol.Direction) *State {
	if defaultUsername == "" {
		defaultUsername = DefaultUsername
	}
	if !defaultSource.Valid() {
		defaultSource = DefaultSource
	}

	now := time.Now()
	return &State{
		username:        defaultUsername,
		usernameChanged: now,
		activeSource:    defaultSource,
		sourceChanged:   now,
	}
}

// OnSourceChange registers fn to observe source switches. It must be set before
// the state is shared.
func (s *State) OnSourceChange(fn SourceChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSourceChange = fn
}

// SetUsername overwrites the active username.
func (s *State) SetUsername(name string) {
	s.mu.Lock()
	s.username = name
	s.usernameChanged = time.Now()
	s.mu.Unlock()
}

// Username returns the active username.
func (s *State) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

// SetActiveSource routes playback to dir. Setting the current value again is a
// no-op and reports changed == false.
func (s *State) SetActiveSource(dir protocol.Direction) (bool, error) {
	if !dir.Valid() {
		return false, ErrInvalidSource
	}

	s.mu.Lock()
	from := s.activeSource
	if from == dir {
		s.mu.Unlock()
		return false, nil
	}
	s.activeSource = dir
	s.sourceChanged = time.Now()
	s.switches++
	fn := s.onSourceChange
	s.mu.Unlock()

	if fn != nil {
		fn(from, dir)
	}
	return true, nil
}

// ActiveSource returns the direction currently routed to playback.
func (s *State) ActiveSource() protocol.Direction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeSource
}

// Snapshot returns a copy of both fields.
func (s *State) Snapshot() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Info{
		Username:          s.username,
		UsernameUpdatedAt: s.usernameChanged,
		ActiveSource:      s.activeSource,
		SourceUpdatedAt:   s.sourceChanged,
		SourceSwitches:    s.switches,
	}
}
