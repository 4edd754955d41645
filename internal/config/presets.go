package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"

	"github.com/pelletier/go-toml/v2"
)

// Presets maps parameter names to values. Values under [defaults] apply to
// every device; tables under [devices."<serial>"] apply to one device and win
// over the defaults.
//
//	[defaults]
//	ExposureTime = 20000.0
//
//	[devices."SIM0001"]
//	Gain = 4.5
//	PixelFormat = "RGB8"
type Presets struct {
	Defaults map[string]any            `toml:"defaults" json:"defaults,omitempty"`
	Devices  map[string]map[string]any `toml:"devices" json:"devices,omitempty"`
}

// Setting is one parameter assignment.
type Setting struct {
	Name  string
	Value any
}

// applyFirst lists names that must be written before the rest: geometry and
// format change the payload, and the auto modes gate their manual values.
var applyFirst = []string{
	"PixelFormat",
	"Width",
	"Height",
	"ExposureAuto",
	"GainAuto",
}

// LoadPresets reads a presets file. An empty path or a missing file yields
// empty presets.
func LoadPresets(path string) (Presets, error) {
	if path == "" {
		return Presets{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Presets{}, nil
	}
	if err != nil {
		return Presets{}, fmt.Errorf("read presets %s: %w", path, err)
	}
	var p Presets
	if err := toml.Unmarshal(data, &p); err != nil {
		return Presets{}, fmt.Errorf("parse presets %s: %w", path, err)
	}
	return p, nil
}

// Empty reports whether no value is configured.
func (p Presets) Empty() bool {
	if len(p.Defaults) > 0 {
		return false
	}
	for _, values := range p.Devices {
		if len(values) > 0 {
			return false
		}
	}
	return true
}

// For returns the settings for the device with the given serial in apply
// order: the names in applyFirst, then the rest alphabetically.
func (p Presets) For(serial string) []Setting {
	merged := make(map[string]any, len(p.Defaults))
	for name, value := range p.Defaults {
		merged[name] = value
	}
	for name, value := range p.Devices[serial] {
		merged[name] = value
	}
	if len(merged) == 0 {
		return nil
	}

	names := make([]string, 0, len(merged))
	for name := range merged {
		names = append(names, name)
	}
	slices.SortFunc(names, func(a, b string) int {
		ra, rb := rank(a), rank(b)
		if ra != rb {
			return ra - rb
		}
		if a < b {
			return -1
		}
		if a > b {
			return 1
		}
		return 0
	})

	settings := make([]Setting, len(names))
	for i, name := range names {
		settings[i] = Setting{Name: name, Value: merged[name]}
	}
	return settings
}

func rank(name string) int {
	if i := slices.Index(applyFirst, name); i >= 0 {
		return i
	}
	return len(applyFirst)
}
