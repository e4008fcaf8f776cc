// Package config holds the camera and pipeline configuration surface. The
// file format is a flat JSON document; a missing file yields the defaults so
// the binary runs out of the box.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// StreamConfig sets the negotiated resolution and rate, identical for the
// depth and color streams.
type StreamConfig struct {
	Width  int `json:"width"`
	Height int `json:"height"`
	FPS    int `json:"fps"`
}

// CameraConfig carries per-sensor control values. Controls unsupported by
// the connected device are skipped with a warning.
type CameraConfig struct {
	ColorAutoExposure bool    `json:"color_auto_exposure"`
	ColorExposure     float64 `json:"color_exposure"`
	ColorGain         float64 `json:"color_gain"`
	AutoWhiteBalance  bool    `json:"auto_white_balance"`
	WhiteBalance      float64 `json:"white_balance"`
	DepthGain         float64 `json:"depth_gain"`
	LaserPower        float64 `json:"laser_power"`
	LaserEnabled      bool    `json:"laser_enabled"`
}

// DepthConfig bounds credible depth readings.
type DepthConfig struct {
	ClampMinMM float64 `json:"clamp_min_mm"`
	ClampMaxMM float64 `json:"clamp_max_mm"`
}

// DetectionConfig tunes the detector and the fusion pipeline.
type DetectionConfig struct {
	InputSize         int     `json:"input_size"`
	MinConfidence     float64 `json:"min_confidence"`
	NMSThreshold      float64 `json:"nms_threshold"`
	CenterRegionRatio float64 `json:"center_region_ratio"`
	OutlierThreshold  float64 `json:"depth_outlier_threshold"`
}

// RecordingConfig selects the video container settings.
type RecordingConfig struct {
	Codec string `json:"codec"` // FourCC, e.g. "XVID"
}

// Config is the full configuration surface consumed by the pipeline.
type Config struct {
	Stream    StreamConfig    `json:"stream"`
	Camera    CameraConfig    `json:"camera"`
	Depth     DepthConfig     `json:"depth"`
	Detection DetectionConfig `json:"detection"`
	Recording RecordingConfig `json:"recording"`
}

// Default returns the stock configuration: 640x480 @ 30fps, auto exposure and
// white balance, emitter on, and the standard detection tuning.
func Default() *Config {
	return &Config{
		Stream: StreamConfig{
			Width:  640,
			Height: 480,
			FPS:    30,
		},
		Camera: CameraConfig{
			ColorAutoExposure: true,
			AutoWhiteBalance:  true,
			LaserPower:        150,
			LaserEnabled:      true,
		},
		Depth: DepthConfig{
			ClampMinMM: 0,
			ClampMaxMM: 10000,
		},
		Detection: DetectionConfig{
			InputSize:         640,
			MinConfidence:     0.3,
			NMSThreshold:      0.45,
			CenterRegionRatio: 0.6,
			OutlierThreshold:  2.0,
		},
		Recording: RecordingConfig{
			Codec: "XVID",
		},
	}
}

// Load reads a config file over the defaults. A missing file is not an
// error: the defaults are returned unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Stream.Width <= 0 || c.Stream.Height <= 0 {
		return fmt.Errorf("stream resolution %dx%d is invalid", c.Stream.Width, c.Stream.Height)
	}
	if c.Stream.FPS <= 0 {
		return fmt.Errorf("stream fps %d is invalid", c.Stream.FPS)
	}
	if c.Detection.CenterRegionRatio <= 0 || c.Detection.CenterRegionRatio > 1 {
		return fmt.Errorf("center_region_ratio %v must be in (0, 1]", c.Detection.CenterRegionRatio)
	}
	if c.Detection.OutlierThreshold <= 0 {
		return fmt.Errorf("depth_outlier_threshold %v must be positive", c.Detection.OutlierThreshold)
	}
	return nil
}
