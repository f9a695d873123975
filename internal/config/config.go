package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/skypro1111/voip-relay-service/internal/protocol"
)

// Audio output backends
const (
	OutputPortAudio = "portaudio"
	OutputNone      = "none"
)

// Config represents the complete service configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	HTTP    HTTPConfig    `yaml:"http"`
	Audio   AudioConfig   `yaml:"audio"`
	Session SessionConfig `yaml:"session"`
	Status  StatusConfig  `yaml:"status"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig contains TCP listener configuration
type ServerConfig struct {
	BindAddress       string `yaml:"bind_address"`
	UplinkPort        int    `yaml:"uplink_port"`
	DownlinkPort      int    `yaml:"downlink_port"`
	SnapshotPort      int    `yaml:"snapshot_port"`
	SnapshotEnabled   bool   `yaml:"snapshot_enabled"`
	ChunkSize         int    `yaml:"chunk_size"`          // bytes per read
	ReadTimeout       int    `yaml:"read_timeout"`        // seconds of idle before a connection is dropped, 0 disables
	MaxUsernameLength int    `yaml:"max_username_length"` // bytes
	MaxSnapshotSize   int    `yaml:"max_snapshot_size"`   // bytes
	MaxSnapshotPixels int    `yaml:"max_snapshot_pixels"` // decoded width*height
}

// HTTPConfig contains HTTP control surface configuration
type HTTPConfig struct {
	Port             int    `yaml:"port"`
	Address          string `yaml:"address"`
	Enabled          bool   `yaml:"enabled"`
	WaveformInterval int    `yaml:"waveform_interval"` // milliseconds between websocket pushes
}

// AudioConfig contains audio format and buffering parameters
type AudioConfig struct {
	SampleRate      int     `yaml:"sample_rate"`
	Channels        int     `yaml:"channels"`
	BitDepth        int     `yaml:"bit_depth"`
	QueueCapacity   int     `yaml:"queue_capacity"`  // frames
	WaveformPoints  int     `yaml:"waveform_points"` // samples kept per direction
	PopTimeout      float64 `yaml:"pop_timeout"`     // seconds
	Output          string  `yaml:"output"`          // portaudio | none
	FramesPerBuffer int     `yaml:"frames_per_buffer"`
}

// SessionConfig contains the initial session state
type SessionConfig struct {
	DefaultUsername string `yaml:"default_username"`
	DefaultSource   string `yaml:"default_source"`
}

// StatusConfig controls the periodic status log line
type StatusConfig struct {
	Enabled  bool `yaml:"enabled"`
	Interval int  `yaml:"interval"` // seconds
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the built-in deployment constants.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddress:       "0.0.0.0",
			UplinkPort:        8001,
			DownlinkPort:      8002,
			SnapshotPort:      8003,
			SnapshotEnabled:   true,
			ChunkSize:         4096,
			ReadTimeout:       0,
			MaxUsernameLength: protocol.DefaultMaxUsernameLength,
			MaxSnapshotSize:   protocol.DefaultMaxSnapshotSize,
			MaxSnapshotPixels: 4096 * 4096,
		},
		HTTP: HTTPConfig{
			Port:             8080,
			Address:          "127.0.0.1",
			Enabled:          true,
			WaveformInterval: 50,
		},
		Audio: AudioConfig{
			SampleRate:      16000,
			Channels:        1,
			BitDepth:        16,
			QueueCapacity:   20,
			WaveformPoints:  2000,
			PopTimeout:      1.0,
			Output:          OutputPortAudio,
			FramesPerBuffer: 4096,
		},
		Session: SessionConfig{
			DefaultUsername: "Unknown User",
			DefaultSource:   "downlink",
		},
		Status: StatusConfig{
			Enabled:  true,
			Interval: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads the configuration file at path over the defaults. An empty path
// returns the validated defaults.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}

	if err := c.Status.Validate(); err != nil {
		return fmt.Errorf("status config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

func validPort(name string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s must be between 1 and 65535, got %d", name, port)
	}
	return nil
}

// Validate validates listener configuration
func (s *ServerConfig) Validate() error {
	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if err := validPort("uplink_port", s.UplinkPort); err != nil {
		return err
	}
	if err := validPort("downlink_port", s.DownlinkPort); err != nil {
		return err
	}
	if s.UplinkPort == s.DownlinkPort {
		return fmt.Errorf("uplink_port and downlink_port must differ, both are %d", s.UplinkPort)
	}

	if s.SnapshotEnabled {
		if err := validPort("snapshot_port", s.SnapshotPort); err != nil {
			return err
		}
		if s.SnapshotPort == s.UplinkPort || s.SnapshotPort == s.DownlinkPort {
			return fmt.Errorf("snapshot_port %d collides with an audio port", s.SnapshotPort)
		}
	}

	if s.ChunkSize < 2 || s.ChunkSize%2 != 0 {
		return fmt.Errorf("chunk_size must be a positive even number of bytes, got %d", s.ChunkSize)
	}

	if s.ReadTimeout < 0 {
		return fmt.Errorf("read_timeout cannot be negative, got %d", s.ReadTimeout)
	}

	if s.MaxUsernameLength < 1 {
		return fmt.Errorf("max_username_length must be at least 1, got %d", s.MaxUsernameLength)
	}

	if s.MaxSnapshotSize < 1 {
		return fmt.Errorf("max_snapshot_size must be at least 1, got %d", s.MaxSnapshotSize)
	}

	if s.MaxSnapshotPixels < 1 {
		return fmt.Errorf("max_snapshot_pixels must be at least 1, got %d", s.MaxSnapshotPixels)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if err := validPort("http port", h.Port); err != nil {
			return err
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}

		if h.WaveformInterval < 10 {
			return fmt.Errorf("waveform_interval must be at least 10 ms, got %d", h.WaveformInterval)
		}
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.SampleRate < 8000 || a.SampleRate > 192000 {
		return fmt.Errorf("sample_rate must be between 8000 and 192000 Hz, got %d", a.SampleRate)
	}

	if a.Channels != 1 {
		return fmt.Errorf("channels must be 1 (mono), got %d", a.Channels)
	}

	if a.BitDepth != 16 {
		return fmt.Errorf("bit_depth must be 16, got %d", a.BitDepth)
	}

	if a.QueueCapacity < 1 {
		return fmt.Errorf("queue_capacity must be at least 1, got %d", a.QueueCapacity)
	}

	if a.WaveformPoints < 1 {
		return fmt.Errorf("waveform_points must be at least 1, got %d", a.WaveformPoints)
	}

	if a.PopTimeout <= 0 {
		return fmt.Errorf("pop_timeout must be positive, got %f", a.PopTimeout)
	}

	switch a.Output {
	case OutputPortAudio, OutputNone:
	default:
		return fmt.Errorf("output must be '%s' or '%s', got '%s'", OutputPortAudio, OutputNone, a.Output)
	}

	if a.FramesPerBuffer < 0 {
		return fmt.Errorf("frames_per_buffer cannot be negative, got %d", a.FramesPerBuffer)
	}

	return nil
}

// Validate validates the initial session state
func (s *SessionConfig) Validate() error {
	if s.DefaultUsername == "" {
		return fmt.Errorf("default_username cannot be empty")
	}

	if _, err := protocol.ParseDirection(s.DefaultSource); err != nil {
		return fmt.Errorf("default_source: %w", err)
	}

	return nil
}

// Validate validates status reporting configuration
func (s *StatusConfig) Validate() error {
	if s.Enabled && s.Interval < 1 {
		return fmt.Errorf("interval must be at least 1 second, got %d", s.Interval)
	}
	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Output may be stdout, stderr, empty or a file path.
	return nil
}

// GetReadTimeoutDuration returns the connection idle timeout as a time.Duration
func (s *ServerConfig) GetReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// GetPopTimeoutDuration returns the playback pop timeout as a time.Duration
func (a *AudioConfig) GetPopTimeoutDuration() time.Duration {
	return time.Duration(a.PopTimeout * float64(time.Second))
}

// GetDefaultSource returns the configured initial playback direction
func (s *SessionConfig) GetDefaultSource() protocol.Direction {
	dir, err := protocol.ParseDirection(s.DefaultSource)
	if err != nil {
		return protocol.Downlink
	}
	return dir
}

// GetIntervalDuration returns the status interval as a time.Duration
func (s *StatusConfig) GetIntervalDuration() time.Duration {
	return time.Duration(s.Interval) * time.Second
}

// GetWaveformIntervalDuration returns the websocket push interval as a time.Duration
func (h *HTTPConfig) GetWaveformIntervalDuration() time.Duration {
	return time.Duration(h.WaveformInterval) * time.Millisecond
}

// Port returns the listening port for dir.
func (s *ServerConfig) Port(dir protocol.Direction) int {
	if dir == protocol.Uplink {
		return s.UplinkPort
	}
	return s.DownlinkPort
}
