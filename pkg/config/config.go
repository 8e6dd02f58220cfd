// Package config loads canhost settings from an ini file and the environment.
//
//	[adapter]
//	name = kvaser
//	channel = 0
//	bitrate = 500K
//	dll_path = /usr/lib/libcanlib.so
//	capacity = 5000
//
//	[consumer]
//	batch_max = 200
//	batch_wait_ms = 50
//	delta_cache = 4096
//	format = text
//
//	[log]
//	level = info
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/samsamfire/canhost/pkg/adapter"
	"github.com/samsamfire/canhost/pkg/canlib"
	"github.com/samsamfire/canhost/pkg/consumer"
	log "github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
)

// Environment variables overriding the file
const (
	EnvAdapter = "CAN_ADAPTER"
	EnvBaud    = "CAN_BAUD"
	EnvDLLPath = "CAN_DLL_PATH"
)

const (
	FormatText = "text"
	FormatCBOR = "cbor"
)

const DefaultCapacity = 5000

type AdapterConfig struct {
	Name     string
	Channel  int
	Bitrate  string
	DLLPath  string
	Capacity int
}

type ConsumerConfig struct {
	BatchMax   int
	BatchWait  time.Duration
	DeltaCache int
	Format     string
}

type LogConfig struct {
	Level string
}

type Config struct {
	Adapter  AdapterConfig
	Consumer ConsumerConfig
	Log      LogConfig
}

func Default() Config {
	return Config{
		Adapter: AdapterConfig{
			Name:     adapter.DefaultName,
			Bitrate:  "500K",
			Capacity: DefaultCapacity,
		},
		Consumer: ConsumerConfig{
			BatchMax:   consumer.DefaultBatchMax,
			BatchWait:  consumer.DefaultBatchWait,
			DeltaCache: consumer.DefaultDeltaCache,
			Format:     FormatText,
		},
		Log: LogConfig{Level: log.InfoLevel.String()},
	}
}

// Load reads the ini file at path on top of the defaults.
// An empty path gives the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	return Parse(path)
}

// Parse reads an ini source (file name, []byte or io.Reader) on top of the defaults.
// Missing sections or keys keep their default value.
func Parse(source any) (Config, error) {
	cfg := Default()
	file, err := ini.Load(source)
	if err != nil {
		return cfg, fmt.Errorf("failed to load config : %w", err)
	}

	section := file.Section("adapter")
	setString(section, "name", &cfg.Adapter.Name)
	setString(section, "bitrate", &cfg.Adapter.Bitrate)
	setString(section, "dll_path", &cfg.Adapter.DLLPath)
	err = errors.Join(
		setInt(section, "channel", &cfg.Adapter.Channel),
		setInt(section, "capacity", &cfg.Adapter.Capacity),
	)
	if err != nil {
		return cfg, err
	}

	section = file.Section("consumer")
	setString(section, "format", &cfg.Consumer.Format)
	batchWaitMs := int(cfg.Consumer.BatchWait / time.Millisecond)
	err = errors.Join(
		setInt(section, "batch_max", &cfg.Consumer.BatchMax),
		setInt(section, "batch_wait_ms", &batchWaitMs),
		setInt(section, "delta_cache", &cfg.Consumer.DeltaCache),
	)
	if err != nil {
		return cfg, err
	}
	cfg.Consumer.BatchWait = time.Duration(batchWaitMs) * time.Millisecond

	setString(file.Section("log"), "level", &cfg.Log.Level)
	return cfg, nil
}

func setString(section *ini.Section, name string, value *string) {
	if key, err := section.GetKey(name); err == nil {
		*value = strings.TrimSpace(key.String())
	}
}

func setInt(section *ini.Section, name string, value *int) error {
	key, err := section.GetKey(name)
	if err != nil {
		return nil
	}
	v, err := key.Int()
	if err != nil {
		return fmt.Errorf("[%v] %v : invalid value %q", section.Name(), name, key.String())
	}
	*value = v
	return nil
}

// ApplyEnv overrides adapter settings from CAN_ADAPTER, CAN_BAUD and CAN_DLL_PATH
func (c *Config) ApplyEnv() {
	c.applyEnv(os.LookupEnv)
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvAdapter); ok && v != "" {
		c.Adapter.Name = v
	}
	if v, ok := lookup(EnvBaud); ok && v != "" {
		c.Adapter.Bitrate = v
	}
	if v, ok := lookup(EnvDLLPath); ok && v != "" {
		c.Adapter.DLLPath = v
	}
}

// Bit rate code of the configured bit rate.
// Accepts canlib names ("500K"), bits per second ("500000") or kbit/s ("500").
func (c Config) BitrateCode() (int, error) {
	code, err := canlib.ParseBitrate(c.Adapter.Bitrate)
	if err == nil {
		return code, nil
	}
	if code, kerr := canlib.ParseBitrate(c.Adapter.Bitrate + "K"); kerr == nil {
		return code, nil
	}
	return 0, err
}

func (c Config) LogLevel() (log.Level, error) {
	return log.ParseLevel(c.Log.Level)
}

func (c Config) Validate() error {
	var errs []error
	if _, err := c.BitrateCode(); err != nil {
		errs = append(errs, err)
	}
	if c.Adapter.Channel < 0 {
		errs = append(errs, fmt.Errorf("invalid channel : %v", c.Adapter.Channel))
	}
	if c.Adapter.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("capacity must be positive : %v", c.Adapter.Capacity))
	}
	if c.Consumer.BatchMax <= 0 {
		errs = append(errs, fmt.Errorf("batch_max must be positive : %v", c.Consumer.BatchMax))
	}
	if c.Consumer.BatchWait < 0 {
		errs = append(errs, fmt.Errorf("batch_wait_ms must not be negative : %v", c.Consumer.BatchWait))
	}
	if c.Consumer.DeltaCache <= 0 {
		errs = append(errs, fmt.Errorf("delta_cache must be positive : %v", c.Consumer.DeltaCache))
	}
	if c.Consumer.Format != FormatText && c.Consumer.Format != FormatCBOR {
		errs = append(errs, fmt.Errorf("unknown format : %q", c.Consumer.Format))
	}
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Adapter factory options
func (c Config) AdapterOptions(logger log.FieldLogger) (adapter.Options, error) {
	bitrate, err := c.BitrateCode()
	if err != nil {
		return adapter.Options{}, err
	}
	return adapter.Options{
		Name:     c.Adapter.Name,
		Channel:  c.Adapter.Channel,
		Bitrate:  bitrate,
		Capacity: c.Adapter.Capacity,
		DLLPath:  c.Adapter.DLLPath,
		Logger:   logger,
	}, nil
}

func (c Config) ConsumerOptions(logger log.FieldLogger) []consumer.Option {
	return []consumer.Option{
		consumer.WithBatchMax(c.Consumer.BatchMax),
		consumer.WithBatchWait(c.Consumer.BatchWait),
		consumer.WithDeltaCache(c.Consumer.DeltaCache),
		consumer.WithLogger(logger),
	}
}
