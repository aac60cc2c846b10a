// Package config manages persistent user preferences for the vox client.
// Settings are stored as JSON at os.UserConfigDir()/vox/config.json.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all persistent user preferences.
type Config struct {
	ServerAddr         string             `json:"server_addr"`
	VoiceAddr          string             `json:"voice_addr"`
	Username           string             `json:"username"`
	InputDeviceID      int                `json:"input_device_id"`
	OutputDeviceID     int                `json:"output_device_id"`
	UserVolumes        map[string]float32 `json:"user_volumes"` // user id (decimal) -> 0.0-2.0
	NotificationVolume float32            `json:"notification_volume"`
	InputSensitivity   float64            `json:"input_sensitivity"` // RMS gate; 0 disables
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		ServerAddr:         "localhost:9001",
		VoiceAddr:          "localhost:9002",
		InputDeviceID:      -1,
		OutputDeviceID:     -1,
		UserVolumes:        map[string]float32{},
		NotificationVolume: 1.0,
	}
}

// Path returns the absolute path to the config file.
func Path() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "vox", "config.json"), nil
}

// Load reads the config file and returns it. If the file is missing or
// unreadable, the default config is returned, never an error.
func Load() Config {
	path, err := Path()
	if err != nil {
		return Default()
	}
	return loadFrom(path)
}

func loadFrom(path string) Config {
	data, err := os.ReadFile(path)
	if err != nil {
		return Default()
	}
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Default()
	}
	if cfg.UserVolumes == nil {
		cfg.UserVolumes = map[string]float32{}
	}
	return cfg
}

// Save writes cfg to disk, creating the directory if needed.
func Save(cfg Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	return saveTo(path, cfg)
}

func saveTo(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// UserVolume returns the saved volume for a user id, defaulting to 1.0.
func (c Config) UserVolume(userID uint64) float32 {
	if v, ok := c.UserVolumes[strconv.FormatUint(userID, 10)]; ok {
		return v
	}
	return 1.0
}

// SetUserVolume records the volume for a user id.
func (c *Config) SetUserVolume(userID uint64, volume float32) {
	if c.UserVolumes == nil {
		c.UserVolumes = map[string]float32{}
	}
	c.UserVolumes[strconv.FormatUint(userID, 10)] = volume
}
