package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// File is the YAML configuration read by the imstream command.
type File struct {
	Dir             string         `yaml:"dir"`
	KeywordCapacity int            `yaml:"keyword_capacity"`
	BankSize        int            `yaml:"bank_size"`
	SemaphoreCap    int            `yaml:"semaphore_cap"`
	WaitSliceMs     int            `yaml:"wait_slice_ms"`
	Streams         []StreamConfig `yaml:"streams"`
	Monitor         MonitorConfig  `yaml:"monitor"`
	Bridge          BridgeConfig   `yaml:"bridge"`
}

// StreamConfig describes a stream to create at startup.
type StreamConfig struct {
	Name           string `yaml:"name"`
	Type           string `yaml:"type"` // f32, u16, c64, ...
	Size           []int  `yaml:"size"`
	Keywords       *int   `yaml:"keywords,omitempty"`
	Symcode        *int   `yaml:"symcode,omitempty"`
	ZeroInit       bool   `yaml:"zero_init"`
	Reuse          *bool  `yaml:"reuse,omitempty"`
	DeleteExisting bool   `yaml:"delete_existing"`
}

type MonitorConfig struct {
	IntervalMs int `yaml:"interval_ms"`
	Workers    int `yaml:"workers"`
}

type BridgeConfig struct {
	Listen        string   `yaml:"listen"`
	Forward       string   `yaml:"forward"`
	Streams       []string `yaml:"streams"`
	MaxFrameBytes int      `yaml:"max_frame_bytes"`
}

// Load reads and validates a config file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *File) Validate() error {
	if f.KeywordCapacity < 0 {
		return fmt.Errorf("keyword_capacity must be >= 0")
	}
	if f.BankSize < 0 || f.SemaphoreCap < 0 || f.WaitSliceMs < 0 {
		return fmt.Errorf("bank_size, semaphore_cap and wait_slice_ms must be >= 0")
	}
	seen := make(map[string]struct{}, len(f.Streams))
	for i, s := range f.Streams {
		if s.Name == "" {
			return fmt.Errorf("streams[%d]: name is required", i)
		}
		if _, ok := seen[s.Name]; ok {
			return fmt.Errorf("streams[%d]: duplicate name %q", i, s.Name)
		}
		seen[s.Name] = struct{}{}
		if s.Type == "" {
			return fmt.Errorf("streams[%d] %s: type is required", i, s.Name)
		}
		if len(s.Size) < 1 || len(s.Size) > 3 {
			return fmt.Errorf("streams[%d] %s: size needs 1-3 extents", i, s.Name)
		}
	}
	return nil
}

// Apply copies the non-zero settings onto the package defaults.
func (f *File) Apply() {
	if f.KeywordCapacity > 0 {
		KeywordCapacity = f.KeywordCapacity
	}
	if f.BankSize > 0 {
		BankSize = f.BankSize
	}
	if f.SemaphoreCap > 0 {
		SemaphoreCap = f.SemaphoreCap
	}
	if f.WaitSliceMs > 0 {
		WaitSlice = time.Duration(f.WaitSliceMs) * time.Millisecond
	}
	if f.Monitor.IntervalMs > 0 {
		MonitorInterval = time.Duration(f.Monitor.IntervalMs) * time.Millisecond
	}
	if f.Monitor.Workers > 0 {
		MonitorWorkers = f.Monitor.Workers
	}
	if f.Bridge.Listen != "" {
		BridgeAddr = f.Bridge.Listen
	}
	if f.Bridge.MaxFrameBytes > 0 {
		BridgeMaxFrame = f.Bridge.MaxFrameBytes
	}
}
