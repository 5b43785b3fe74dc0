// Package config loads the ingestor's runtime configuration from an
// optional YAML file merged with INGESTOR_*-prefixed environment
// variables, following the teacher's koanf-based layering convention.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// FileName is the default config file name looked for in the current
// working directory.
const FileName = "ingestor.yaml"

// Config holds every externally-tunable setting named in spec.md §6's
// "Environment" list.
type Config struct {
	DatabaseDSN       string        `koanf:"database_dsn"`
	WDSBaseURL        string        `koanf:"wds_base_url"`
	RawFileRoot       string        `koanf:"raw_file_root"`
	CubeWorkers       int           `koanf:"cube_workers"`
	MetadataWorkers   int           `koanf:"metadata_workers"`
	CallTimeout       time.Duration `koanf:"call_timeout"`
	MetadataRateFloor time.Duration `koanf:"metadata_rate_floor"`
	CubeRateFloor     time.Duration `koanf:"cube_rate_floor"`
	ReleaseHour       int           `koanf:"release_hour"`
	ReleaseMinute     int           `koanf:"release_minute"`
	ReleaseTimezone   string        `koanf:"release_timezone"`
	Verbose           bool          `koanf:"verbose"`
}

// defaultValues seeds the instance with this package's own defaults
// before the file and env layers are merged on top, so a config-free
// invocation (no file, no env vars) still behaves sanely.
var defaultValues = map[string]any{
	"wds_base_url":        "https://www150.statcan.gc.ca/t1/wds/rest",
	"raw_file_root":       "./data",
	"cube_workers":        4,
	"metadata_workers":    4,
	"call_timeout":        "30s",
	"metadata_rate_floor": "1s",
	"cube_rate_floor":     "2s",
	// release_hour/release_minute/release_timezone default to the zero
	// value here; a zero ReleaseHour/Minute/Timezone tells callers to use
	// dbtime.DefaultReleaseCutoff() instead, per spec.md §9's open
	// question on the 08:30 offset's configurability.
}

// Load reads path (if it exists; a missing file is not an error) and
// overlays INGESTOR_*-prefixed environment variables, in that priority
// order, on top of defaultValues.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmapProvider(defaultValues), nil); err != nil {
		return Config{}, fmt.Errorf("load config defaults: %w", err)
	}

	if path == "" {
		path = FileName
	}
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("stat config file %s: %w", path, err)
	}

	if err := k.Load(env.Provider("INGESTOR_", ".", envKeyMap), nil); err != nil {
		return Config{}, fmt.Errorf("load environment overrides: %w", err)
	}

	var out Config
	unmarshalConf := koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			Result:           &out,
			WeaklyTypedInput: true,
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		},
	}
	if err := k.UnmarshalWithConf("", &out, unmarshalConf); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if out.DatabaseDSN == "" {
		return Config{}, fmt.Errorf("database_dsn is required (set INGESTOR_DATABASE_DSN or database_dsn in %s)", path)
	}
	return out, nil
}

// envKeyMap converts INGESTOR_RAW_FILE_ROOT -> raw_file_root so the flat
// env namespace lines up with the YAML/koanf key convention above.
func envKeyMap(s string) string {
	return strings.ToLower(strings.TrimPrefix(s, "INGESTOR_"))
}

// confmapProvider adapts a plain map into a koanf.Provider without a
// dependency on koanf's own confmap package, which this repo otherwise
// has no use for.
type confmapProvider map[string]any

func (p confmapProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("config: ReadBytes unsupported for in-memory provider")
}

func (p confmapProvider) Read() (map[string]any, error) {
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out, nil
}
