// Package config implements the hierarchical configuration document of
// spec.md §6: a YAML file loaded at startup, followed by `Key.Path=Value`
// command-line overrides applied on top of it.
//
// Grounded on the DanDo385 config-loader minis' Load/ApplyDefaults/
// Validate shape (gopkg.in/yaml.v3), with CLI override parsing
// (github.com/peterbourgon/ff/v3) in the style of the sourcegraph-zoekt
// indexserver's flag.FlagSet + ff.Parse wiring.
package config

import (
	"flag"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/peterbourgon/ff/v3"
	"gopkg.in/yaml.v3"
)

// newEmptyFlagSet builds the (flag-less) FlagSet ff.Parse requires; this
// package recognises no -flags of its own, only positional overrides.
func newEmptyFlagSet() *flag.FlagSet {
	return flag.NewFlagSet("robocore", flag.ContinueOnError)
}

// Runlevel names accepted for InitialRunlevel, mirroring internal/runlevel's
// Level enum without importing it (config has no business depending on
// the runtime package it configures).
var validRunlevels = map[string]bool{
	"CREATED": true, "CONSTRUCTING": true, "STARTING": true,
	"RUNNING": true, "STOPPING": true, "DESTRUCTING": true, "DESTRUCTED": true,
}

// MotionConfig is the `Motion.*` key group (spec.md §6).
type MotionConfig struct {
	Verbose             int     `yaml:"verbose"`
	FeedbackDelay       float64 `yaml:"feedback_delay"`
	ZeroPIDFeedback     bool    `yaml:"zero_pid_feedback"`
	FeedbackRangeLimits bool    `yaml:"feedback_range_limits"`
	OverrideSensors     bool    `yaml:"override_sensors"`
	StartPose           string  `yaml:"start_pose"`
}

// SourceConfig is the shape shared by `Sensors.*` and `Vision.*` (spec.md
// §6: "Vision.* (same shape)").
type SourceConfig struct {
	Framerate float64  `yaml:"framerate"`
	Verbose   int      `yaml:"verbose"`
	Heartbeat int64    `yaml:"heartbeat"`
	Sources   []string `yaml:"sources"`
}

// Config is the complete recognised top-level document (spec.md §6).
type Config struct {
	Multiprocess    bool   `yaml:"multiprocess"`
	Speed           float64 `yaml:"speed"`
	InitialTime     int64  `yaml:"initial_time"`
	InitialRunlevel string `yaml:"initial_runlevel"`
	WaitForSensors  bool   `yaml:"wait_for_sensors"`

	Motion  MotionConfig `yaml:"motion"`
	Sensors SourceConfig `yaml:"sensors"`
	Vision  SourceConfig `yaml:"vision"`

	// Drivers and CommPorts are extensible registries populated at load;
	// unlike the fixed fields above, any key under them is accepted
	// verbatim (spec.md §6 "extensible registries").
	Drivers   map[string]string `yaml:"drivers"`
	CommPorts map[string]string `yaml:"comm_ports"`
}

// Load reads path, applies defaults, then Key.Path=Value command-line
// overrides (applied after file load per spec.md §6), then validates.
func Load(path string, args []string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	cfg.applyDefaults()

	overrides, err := parseArgs(args)
	if err != nil {
		return nil, err
	}
	for _, kv := range overrides {
		if err := cfg.applyOverride(kv.key, kv.value); err != nil {
			return nil, fmt.Errorf("config: applying override %q: %w", kv.key, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.InitialRunlevel == "" {
		c.InitialRunlevel = "RUNNING"
	}
	if c.Motion.FeedbackDelay == 0 {
		c.Motion.FeedbackDelay = -1 // open-loop unless configured otherwise
	}
	if c.Drivers == nil {
		c.Drivers = make(map[string]string)
	}
	if c.CommPorts == nil {
		c.CommPorts = make(map[string]string)
	}
}

// Validate checks the invariants Load cannot enforce via struct tags
// alone.
func (c *Config) Validate() error {
	var errs []string
	if !validRunlevels[c.InitialRunlevel] {
		errs = append(errs, fmt.Sprintf("initial_runlevel %q is not a recognised runlevel", c.InitialRunlevel))
	}
	if c.Motion.Verbose < 0 || c.Motion.Verbose > 3 {
		errs = append(errs, "motion.verbose must be between 0 and 3")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

type kv struct{ key, value string }

// parseArgs runs positional `Key.Path=Value` arguments through ff.Parse
// against an empty flag set purely so command-line handling goes
// through the same parser as the rest of the ecosystem's CLI tools
// (ff.Parse's only job here is args validation and leaving fs.Args()
// as the untouched positional Key.Path=Value list).
func parseArgs(args []string) ([]kv, error) {
	fs := newEmptyFlagSet()
	if err := ff.Parse(fs, args); err != nil {
		return nil, fmt.Errorf("config: parsing command line: %w", err)
	}
	out := make([]kv, 0, len(args))
	for _, a := range args {
		idx := strings.IndexByte(a, '=')
		if idx < 0 {
			return nil, fmt.Errorf("config: malformed override %q, want Key.Path=Value", a)
		}
		out = append(out, kv{key: a[:idx], value: a[idx+1:]})
	}
	return out, nil
}

// applyOverride walks a dotted key path (e.g. "Motion.FeedbackDelay")
// case-insensitively, matching each part against either a field's yaml
// tag or its Go field name, and sets the leaf field.
func (c *Config) applyOverride(path, value string) error {
	parts := strings.Split(path, ".")
	v := reflect.ValueOf(c).Elem()
	for i, part := range parts {
		if v.Kind() == reflect.Map {
			return setMapEntry(v, strings.Join(parts[i:], "."), value)
		}
		if v.Kind() != reflect.Struct {
			return fmt.Errorf("%s: %s is not a struct field", path, part)
		}
		field, ok := fieldByYAMLName(v, part)
		if !ok {
			return fmt.Errorf("%s: unknown key %q", path, part)
		}
		v = field
	}
	return setScalar(v, value)
}

func fieldByYAMLName(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("yaml")
		tag, _, _ = strings.Cut(tag, ",")
		if strings.EqualFold(tag, name) || strings.EqualFold(t.Field(i).Name, name) {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

func setMapEntry(v reflect.Value, key, value string) error {
	if v.IsNil() {
		v.Set(reflect.MakeMap(v.Type()))
	}
	v.SetMapIndex(reflect.ValueOf(key), reflect.ValueOf(value))
	return nil
}

func setScalar(v reflect.Value, value string) error {
	switch v.Kind() {
	case reflect.String:
		v.SetString(value)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		v.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		v.SetInt(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		v.SetFloat(f)
	case reflect.Slice:
		if v.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice element type %s", v.Type().Elem())
		}
		v.Set(reflect.ValueOf(strings.Split(value, ",")))
	default:
		return fmt.Errorf("unsupported field kind %s", v.Kind())
	}
	return nil
}
