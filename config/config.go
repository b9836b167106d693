// Package config loads the lidard configuration from file and environment.
package config

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/speters/lidarlink/frame"
	"github.com/speters/lidarlink/lidar"
	"github.com/speters/lidarlink/link"
	"github.com/speters/lidarlink/profile"
)

// EnvPrefix prefixes environment overrides, e.g. LIDAR_DEVICE_LINK.
const EnvPrefix = "LIDAR"

// DeviceConfig says how to reach the scanner.
type DeviceConfig struct {
	Link           string        `mapstructure:"link"`
	Family         string        `mapstructure:"family"`
	Backend        string        `mapstructure:"backend"`
	Baud           int           `mapstructure:"baud"`
	ConnectTimeout time.Duration `mapstructure:"connectTimeout"`
	WriteTimeout   time.Duration `mapstructure:"writeTimeout"`
	ByteTimeout    time.Duration `mapstructure:"byteTimeout"`
	ReplyTimeout   time.Duration `mapstructure:"replyTimeout"`
	Retries        int           `mapstructure:"retries"`
	ReconnectDelay time.Duration `mapstructure:"reconnectDelay"`
	Frame          FrameConfig   `mapstructure:"frame"`
}

// FrameConfig describes the framing of a family that is not built in.
// It is only read when device.family is "custom".
type FrameConfig struct {
	Marker       string `mapstructure:"marker"`     // hex, e.g. "0280"
	SendMarker   string `mapstructure:"sendMarker"` // hex, defaults to marker
	HeaderLen    int    `mapstructure:"headerLen"`
	LengthOffset int    `mapstructure:"lengthOffset"`
	LengthSize   int    `mapstructure:"lengthSize"` // 0 selects terminator framing
	BigEndian    bool   `mapstructure:"bigEndian"`
	Terminator   int    `mapstructure:"terminator"`
	TrailerLen   int    `mapstructure:"trailerLen"`
	MaxPayload   int    `mapstructure:"maxPayload"`
	Checksum     string `mapstructure:"checksum"` // see frame.ChecksumByName
	ChecksumFrom int    `mapstructure:"checksumFrom"`
}

// HTTPConfig configures the HTTP bridge.
type HTTPConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
	// CommandRate limits POST /command, in requests per second.
	CommandRate  float64 `mapstructure:"commandRate"`
	CommandBurst int     `mapstructure:"commandBurst"`
}

// LumberjackConfig configures log file rotation. An empty Filename logs to stderr only.
type LumberjackConfig struct {
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"maxSize"`
	MaxBackups int    `mapstructure:"maxBackups"`
	MaxAgeDays int    `mapstructure:"maxAge"`
	Compress   bool   `mapstructure:"compress"`
}

type LoggingConfig struct {
	Level  string           `mapstructure:"level"`
	Format string           `mapstructure:"format"` // text or json
	File   LumberjackConfig `mapstructure:"file"`
}

type MetricsConfig struct {
	Enable bool   `mapstructure:"enable"`
	Path   string `mapstructure:"path"`
}

type Config struct {
	Device  DeviceConfig  `mapstructure:"device"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// Load reads a YAML/TOML/JSON file and applies LIDAR_* environment overrides.
// Without a path it tries LIDAR_CONFIG, then lidard.yaml in . and ./configs;
// a missing default file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = v.GetString("config")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.SetConfigName("lidard")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("device.link", "/dev/ttyUSB0")
	v.SetDefault("device.family", "lms2xx")
	v.SetDefault("device.backend", link.BackendTarm)
	v.SetDefault("device.baud", 0)
	v.SetDefault("device.connectTimeout", "1s")
	v.SetDefault("device.writeTimeout", "1s")
	v.SetDefault("device.byteTimeout", "0s")
	v.SetDefault("device.replyTimeout", "0s")
	v.SetDefault("device.retries", lidar.DefaultRetries)
	v.SetDefault("device.reconnectDelay", "5s")
	v.SetDefault("device.frame.marker", "")
	v.SetDefault("device.frame.sendMarker", "")
	v.SetDefault("device.frame.bigEndian", false)
	v.SetDefault("device.frame.checksum", "none")

	v.SetDefault("http.addr", ":3000")
	v.SetDefault("http.readTimeout", "5s")
	v.SetDefault("http.writeTimeout", "30s")
	v.SetDefault("http.commandRate", 10.0)
	v.SetDefault("http.commandBurst", 5)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.file.filename", "")
	v.SetDefault("logging.file.maxSize", 50)
	v.SetDefault("logging.file.maxBackups", 5)
	v.SetDefault("logging.file.maxAge", 28)
	v.SetDefault("logging.file.compress", true)

	v.SetDefault("metrics.enable", true)
	v.SetDefault("metrics.path", "/metrics")
}

// Driver maps the device section onto a driver configuration.
// Zero timeouts are left for the family profile to fill in.
func (c DeviceConfig) Driver() (lidar.Config, error) {
	cfg := lidar.Config{
		Link:           c.Link,
		Backend:        c.Backend,
		ConnectTimeout: c.ConnectTimeout,
		WriteTimeout:   c.WriteTimeout,
		ByteTimeout:    c.ByteTimeout,
		ReplyTimeout:   c.ReplyTimeout,
		Retries:        c.Retries,
	}
	if c.Link == "" {
		return cfg, errors.New("device.link is empty")
	}
	if c.Baud != 0 {
		b, err := link.ParseBaud(c.Baud)
		if err != nil {
			return cfg, fmt.Errorf("device.baud: %w", err)
		}
		cfg.Baud = b
	}
	return cfg, nil
}

// Descriptor builds and validates the configured framing.
func (c FrameConfig) Descriptor() (frame.Descriptor, error) {
	marker, err := hex.DecodeString(c.Marker)
	if err != nil {
		return frame.Descriptor{}, fmt.Errorf("marker: %w", err)
	}
	var send []byte
	if c.SendMarker != "" {
		if send, err = hex.DecodeString(c.SendMarker); err != nil {
			return frame.Descriptor{}, fmt.Errorf("sendMarker: %w", err)
		}
	}
	sum, err := frame.ChecksumByName(c.Checksum)
	if err != nil {
		return frame.Descriptor{}, err
	}

	d := frame.Descriptor{
		Name:         profile.NameCustom,
		Marker:       marker,
		SendMarker:   send,
		HeaderLen:    c.HeaderLen,
		Length:       frame.LengthField{Offset: c.LengthOffset, Size: c.LengthSize},
		Terminator:   byte(c.Terminator),
		TrailerLen:   c.TrailerLen,
		MaxPayload:   c.MaxPayload,
		Order:        binary.LittleEndian,
		Checksum:     sum,
		ChecksumFrom: c.ChecksumFrom,
	}
	if c.BigEndian {
		d.Order = binary.BigEndian
	}
	return d, d.Validate()
}

// Profile returns the family profile named by device.family, building it
// from device.frame for the custom family.
func (c DeviceConfig) Profile() (lidar.Profile, error) {
	if !strings.EqualFold(c.Family, profile.NameCustom) {
		return profile.ByName(c.Family)
	}
	d, err := c.Frame.Descriptor()
	if err != nil {
		return lidar.Profile{}, fmt.Errorf("device.frame: %w", err)
	}
	return profile.Custom(d), nil
}
