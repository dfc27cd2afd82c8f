// Package config loads the bench settings file and the test-parameter file.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
	"gopkg.in/ini.v1"

	"github.com/rjboer/rfsweep/internal/link"
	"github.com/rjboer/rfsweep/internal/logging"
)

// EnvPrefix prefixes environment overrides, e.g. RFSWEEP_VSA_ADDRESS.
const EnvPrefix = "RFSWEEP"

// Endpoint addresses one instrument.
type Endpoint struct {
	Address   string
	Port      int
	MDNSMatch string
}

// HostPort returns "address:port".
func (e Endpoint) HostPort() string {
	return net.JoinHostPort(e.Address, strconv.Itoa(e.Port))
}

type LinkSettings struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	Retries        int
	RetryDelay     time.Duration
	ErrorTokens    []string
}

type MeasureSettings struct {
	Timeout      time.Duration
	PollInterval time.Duration
}

type OutputSettings struct {
	Dir    string
	Prefix string
}

type LogSettings struct {
	Level  string
	Format string
	File   string
}

// Settings is the bench configuration for one run.
type Settings struct {
	VSA             Endpoint
	VSG             Endpoint
	Link            LinkSettings
	Measure         MeasureSettings
	Output          OutputSettings
	Log             LogSettings
	VocabularyFile  string
	CalibrationFile string
}

// LinkOptions converts the link section into transport options.
func (s Settings) LinkOptions() link.Options {
	opts := link.DefaultOptions()
	opts.ConnectTimeout = s.Link.ConnectTimeout
	opts.ReadTimeout = s.Link.ReadTimeout
	opts.Retries = s.Link.Retries
	opts.RetryDelay = s.Link.RetryDelay
	if len(s.Link.ErrorTokens) > 0 {
		opts.ErrorTokens = s.Link.ErrorTokens
	}
	return opts
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("vsa.address", "192.168.200.20")
	v.SetDefault("vsa.port", 5025)
	v.SetDefault("vsa.mdns_match", "")
	v.SetDefault("vsg.address", "192.168.200.10")
	v.SetDefault("vsg.port", 5025)
	v.SetDefault("vsg.mdns_match", "")

	v.SetDefault("link.connect_timeout", "3s")
	v.SetDefault("link.read_timeout", "5s")
	v.SetDefault("link.retries", 2)
	v.SetDefault("link.retry_delay", "200ms")
	v.SetDefault("link.error_tokens", "ERR,**ERROR")

	v.SetDefault("measure.timeout", "30s")
	v.SetDefault("measure.poll_interval", "100ms")

	v.SetDefault("output.dir", "results")
	v.SetDefault("output.prefix", "sweep_measurements")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "logs/rfsweep.log")

	v.SetDefault("vocabulary.file", "")
	v.SetDefault("calibration.file", "")
}

// LoadSettings reads the settings file at path (INI, or YAML/TOML/JSON by
// extension). A missing file yields the defaults. A .env file in the working
// directory and RFSWEEP_* environment variables override file values.
func LoadSettings(path string, logger logging.Logger) (*Settings, error) {
	if logger == nil {
		logger = logging.Default()
	}
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			logger.Warn("settings file not found, using defaults", logging.F("path", path))
		} else if err := readSettingsFile(v, path); err != nil {
			return nil, fmt.Errorf("read settings %s: %w", path, err)
		}
	}

	s := &Settings{
		VSA: Endpoint{
			Address:   v.GetString("vsa.address"),
			Port:      v.GetInt("vsa.port"),
			MDNSMatch: v.GetString("vsa.mdns_match"),
		},
		VSG: Endpoint{
			Address:   v.GetString("vsg.address"),
			Port:      v.GetInt("vsg.port"),
			MDNSMatch: v.GetString("vsg.mdns_match"),
		},
		Output: OutputSettings{
			Dir:    v.GetString("output.dir"),
			Prefix: v.GetString("output.prefix"),
		},
		Log: LogSettings{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			File:   v.GetString("log.file"),
		},
		VocabularyFile:  v.GetString("vocabulary.file"),
		CalibrationFile: v.GetString("calibration.file"),
	}

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"link.connect_timeout", &s.Link.ConnectTimeout},
		{"link.read_timeout", &s.Link.ReadTimeout},
		{"link.retry_delay", &s.Link.RetryDelay},
		{"measure.timeout", &s.Measure.Timeout},
		{"measure.poll_interval", &s.Measure.PollInterval},
	}
	for _, d := range durations {
		if *d.dst, err = duration(v.Get(d.key)); err != nil {
			return nil, fmt.Errorf("settings %s: %w", d.key, err)
		}
	}
	if s.Link.Retries, err = cast.ToIntE(v.Get("link.retries")); err != nil || s.Link.Retries < 0 {
		return nil, fmt.Errorf("settings link.retries: invalid value %v", v.Get("link.retries"))
	}
	s.Link.ErrorTokens = tokens(v.Get("link.error_tokens"))

	if s.VSA.Port <= 0 || s.VSG.Port <= 0 {
		return nil, fmt.Errorf("settings: instrument ports must be positive")
	}
	return s, nil
}

// readSettingsFile merges the file into v. INI sections become key
// prefixes ("[vsa] address" is "vsa.address").
func readSettingsFile(v *viper.Viper, path string) error {
	if !strings.EqualFold(filepath.Ext(path), ".ini") {
		v.SetConfigFile(path)
		return v.ReadInConfig()
	}

	f, err := ini.Load(path)
	if err != nil {
		return err
	}
	m := make(map[string]any)
	for _, sec := range f.Sections() {
		keys := make(map[string]any)
		for _, k := range sec.Keys() {
			keys[strings.ToLower(k.Name())] = k.Value()
		}
		if sec.Name() == ini.DefaultSection {
			for k, val := range keys {
				m[k] = val
			}
			continue
		}
		m[strings.ToLower(sec.Name())] = keys
	}
	return v.MergeConfigMap(m)
}

// duration accepts Go duration syntax; bare numbers are seconds.
func duration(raw any) (time.Duration, error) {
	if d, ok := raw.(time.Duration); ok {
		return d, nil
	}
	if s, ok := raw.(string); ok {
		s = strings.TrimSpace(s)
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return time.Duration(f * float64(time.Second)), nil
		}
		return time.ParseDuration(s)
	}
	if f, err := cast.ToFloat64E(raw); err == nil {
		return time.Duration(f * float64(time.Second)), nil
	}
	return cast.ToDurationE(raw)
}

func tokens(raw any) []string {
	var parts []string
	if s, ok := raw.(string); ok {
		parts = strings.Split(s, ",")
	} else {
		parts = cast.ToStringSlice(raw)
	}
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
