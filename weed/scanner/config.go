package scanner

import (
	"fmt"
	"strings"
	"time"

	"github.com/seaweedfs/ahm/weed/util"
)

type ScanMode int

const (
	// ScanModeNormal reads object metadata only
	ScanModeNormal ScanMode = iota
	// ScanModeDeep also verifies the checksum of every object
	ScanModeDeep
)

func (m ScanMode) String() string {
	if m == ScanModeDeep {
		return "deep"
	}
	return "normal"
}

func (m ScanMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *ScanMode) UnmarshalText(text []byte) error {
	parsed, err := ParseScanMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

func ParseScanMode(s string) (ScanMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return ScanModeNormal, nil
	case "deep":
		return ScanModeDeep, nil
	}
	return ScanModeNormal, fmt.Errorf("unknown scan mode %q", s)
}

type ScannerState int

const (
	ScannerIdle ScannerState = iota
	ScannerScanning
	ScannerPaused
	ScannerStopped
)

func (s ScannerState) String() string {
	switch s {
	case ScannerIdle:
		return "idle"
	case ScannerScanning:
		return "scanning"
	case ScannerPaused:
		return "paused"
	case ScannerStopped:
		return "stopped"
	}
	return "unknown"
}

func (s ScannerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ScannerState) UnmarshalText(text []byte) error {
	for state := ScannerIdle; state <= ScannerStopped; state++ {
		if state.String() == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown scanner state %q", text)
}

type ScannerConfig struct {
	Mode ScanMode
	// Incremental cycles continue an interrupted cycle from its checkpoint,
	// full cycles always start with the first bucket.
	Incremental bool
	Interval    time.Duration
	// DeepInterval is the minimum time between two deep cycles, 0 disables them
	DeepInterval       time.Duration
	Concurrency        int
	BatchSize          int
	CheckpointInterval time.Duration
	// EventTTL suppresses repeated events for the same target
	EventTTL time.Duration
}

func DefaultScannerConfig() ScannerConfig {
	return ScannerConfig{
		Mode:               ScanModeNormal,
		Incremental:        true,
		Interval:           5 * time.Minute,
		DeepInterval:       24 * time.Hour,
		Concurrency:        2,
		BatchSize:          100,
		CheckpointInterval: 30 * time.Second,
		EventTTL:           10 * time.Minute,
	}
}

// LoadScannerConfig reads the [scanner] section.
func LoadScannerConfig(conf util.Configuration) (ScannerConfig, error) {
	d := DefaultScannerConfig()
	conf.SetDefault("scanner.mode", d.Mode.String())
	conf.SetDefault("scanner.incremental", d.Incremental)
	conf.SetDefault("scanner.interval", d.Interval)
	conf.SetDefault("scanner.deep_interval", d.DeepInterval)
	conf.SetDefault("scanner.concurrency", d.Concurrency)
	conf.SetDefault("scanner.batch_size", d.BatchSize)
	conf.SetDefault("scanner.checkpoint_interval", d.CheckpointInterval)
	conf.SetDefault("scanner.event_ttl", d.EventTTL)

	mode, err := ParseScanMode(conf.GetString("scanner.mode"))
	if err != nil {
		return d, err
	}
	c := ScannerConfig{
		Mode:               mode,
		Incremental:        conf.GetBool("scanner.incremental"),
		Interval:           conf.GetDuration("scanner.interval"),
		DeepInterval:       conf.GetDuration("scanner.deep_interval"),
		Concurrency:        conf.GetInt("scanner.concurrency"),
		BatchSize:          conf.GetInt("scanner.batch_size"),
		CheckpointInterval: conf.GetDuration("scanner.checkpoint_interval"),
		EventTTL:           conf.GetDuration("scanner.event_ttl"),
	}
	return c.withDefaults(), nil
}

func (c ScannerConfig) withDefaults() ScannerConfig {
	d := DefaultScannerConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.DeepInterval < 0 {
		c.DeepInterval = 0
	}
	return c
}
