// Package config holds the kernel's compile-time tunables and an
// optional yaml override file, the way a deployed service loads a
// config document instead of hardcoding constants.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Tunables is the full set of kernel sizing constants.
type Tunables struct {
	MaxProc    int `yaml:"max_proc"`
	MaxMbox    int `yaml:"max_mbox"`
	MaxSlots   int `yaml:"max_slots"`
	MaxMessage int `yaml:"max_message"`
	MaxSems    int `yaml:"max_sems"`
	MaxLine    int `yaml:"max_line"`
	MaxPagers  int `yaml:"max_pagers"`

	// machine geometry, also tunable for tests
	DiskSectorSize int `yaml:"disk_sector_size"`
	DiskTrackSize  int `yaml:"disk_track_size"`
	DiskTracks     int `yaml:"disk_tracks"`
	NumDisks       int `yaml:"num_disks"`
	NumTerminals   int `yaml:"num_terminals"`
	ClockTickMS    int `yaml:"clock_tick_ms"`
	MinStack       int `yaml:"min_stack"`
}

// Default returns the stock configuration.
func Default() Tunables {
	return Tunables{
		MaxProc:        50,
		MaxMbox:        2000,
		MaxSlots:       2500,
		MaxMessage:     150,
		MaxSems:        200,
		MaxLine:        80,
		MaxPagers:      4,
		DiskSectorSize: 512,
		DiskTrackSize:  16,
		DiskTracks:     256,
		NumDisks:       2,
		NumTerminals:   4,
		ClockTickMS:    20,
		MinStack:       8192,
	}
}

// Load reads path (if non-empty) as a yaml document overriding whichever
// fields it sets, starting from Default(). An empty path returns the
// defaults untouched.
func Load(path string) (Tunables, error) {
	t := Default()
	if path == "" {
		return t, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return t, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &t); err != nil {
		return t, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return t, nil
}
