package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration. Every key is optional.
type Config struct {
	ZoomMin        float64       `yaml:"zoom_min"`
	ZoomMax        float64       `yaml:"zoom_max"`
	ZoomStep       float64       `yaml:"zoom_step"`
	CropSize       float64       `yaml:"crop_size"`
	OutputSize     float64       `yaml:"output_size"`
	FileName       string        `yaml:"file_name"`
	Interpolation  string        `yaml:"interpolation"`
	MaxSurface     int           `yaml:"max_surface"`
	MaxSourceBytes int64         `yaml:"max_source_bytes"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout"`
}

func DefaultConfig() Config {
	return Config{
		ZoomMin:        DefaultZoomMin,
		ZoomMax:        DefaultZoomMax,
		ZoomStep:       DefaultZoomStep,
		CropSize:       DefaultCropSize,
		OutputSize:     DefaultOutputSize,
		FileName:       DefaultFileName,
		Interpolation:  "catmullrom",
		MaxSurface:     DefaultMaxSurface,
		MaxSourceBytes: DefaultMaxSourceBytes,
		FetchTimeout:   DefaultFetchTimeout,
	}
}

// LoadConfig reads a YAML file over the defaults. An empty path returns
// the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.ZoomMin < 1 {
		errs = append(errs, fmt.Errorf("zoom_min must be at least 1, got %v", c.ZoomMin))
	}
	if c.ZoomMax < c.ZoomMin {
		errs = append(errs, fmt.Errorf("zoom_max (%v) must not be below zoom_min (%v)", c.ZoomMax, c.ZoomMin))
	}
	if c.ZoomStep <= 0 {
		errs = append(errs, errors.New("zoom_step must be positive"))
	}
	if c.CropSize <= 0 {
		errs = append(errs, errors.New("crop_size must be positive"))
	}
	if c.OutputSize < 1 {
		errs = append(errs, errors.New("output_size must be at least 1"))
	}
	if c.MaxSurface > 0 && int(c.OutputSize) > c.MaxSurface {
		errs = append(errs, fmt.Errorf("output_size %v exceeds max_surface %d", c.OutputSize, c.MaxSurface))
	}
	if _, err := InterpolatorByName(c.Interpolation); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c Config) CropConfig() CropConfig {
	return CropConfig{
		CropSize:   c.CropSize,
		OutputSize: c.OutputSize,
		ZoomMin:    c.ZoomMin,
		ZoomMax:    c.ZoomMax,
		ZoomStep:   c.ZoomStep,
	}
}
