package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"unicode"

	"github.com/creasty/defaults"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/tracertea/ldiftap/internal/state"
	"github.com/tracertea/ldiftap/internal/tap"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "LDIFTAP_"

// File is the on-disk configuration. Keys are snake_case; camelCase spellings
// of the same keys are accepted too.
type File struct {
	FilePath      string `yaml:"file_path"`
	DirectoryPath string `yaml:"directory_path"`
	FilePattern   string `yaml:"file_pattern"`

	S3Bucket   string `yaml:"s3_bucket"`
	S3Prefix   string `yaml:"s3_prefix"`
	S3Region   string `yaml:"s3_region" default:"us-east-1"`
	S3CacheDir string `yaml:"s3_cache_dir"`

	Encoding      string `yaml:"encoding" default:"utf-8"`
	BatchSize     int    `yaml:"batch_size" default:"1000"`
	MaxFileSizeMB int    `yaml:"max_file_size_mb" default:"100"`

	StrictParsing   bool  `yaml:"strict_parsing" default:"true"`
	MaxDecodeErrors int64 `yaml:"max_decode_errors" default:"1000"`

	IncludeOperationalAttributes bool     `yaml:"include_operational_attributes"`
	BaseDNFilter                 string   `yaml:"base_dn_filter"`
	ObjectClassFilter            []string `yaml:"object_class_filter"`
	AttributeFilter              []string `yaml:"attribute_filter"`
	ExcludeAttributes            []string `yaml:"exclude_attributes"`

	SampleSize        int `yaml:"sample_size" default:"100"`
	SampleSources     int `yaml:"sample_sources" default:"5"`
	SourceParallelism int `yaml:"source_parallelism" default:"1"`

	StateStore   string `yaml:"state_store"`
	StateBackend string `yaml:"state_backend" default:"json"`
	MetricsFile  string `yaml:"metrics_file"`

	LogLevel string `yaml:"log_level" default:"info"`
	LogFile  string `yaml:"log_file"`
}

// Load builds the configuration from defaults, an optional .env file, the
// config file at path (may be empty) and LDIFTAP_* environment variables, in
// that order.
func Load(path string) (*File, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	f := &File{}
	if err := defaults.Set(f); err != nil {
		return nil, fmt.Errorf("failed to apply config defaults: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, tap.NewConfigurationError(fmt.Sprintf("cannot read config file %s: %v", path, err))
		}
		if err := Decode(data, f); err != nil {
			return nil, tap.NewConfigurationError(fmt.Sprintf("cannot parse config file %s: %v", path, err))
		}
	}

	if err := loadConfigFromEnv(f); err != nil {
		return nil, err
	}
	return f, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Decode parses a YAML or JSON document into f, leaving unset keys untouched.
func Decode(data []byte, f *File) error {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}

	normalized := make(map[string]any, len(raw))
	for k, v := range raw {
		key := snakeCase(k)
		if _, dup := normalized[key]; dup {
			return fmt.Errorf("key %q is set more than once", key)
		}
		normalized[key] = v
	}

	out, err := yaml.Marshal(normalized)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(out, f)
}

// snakeCase turns baseDNFilter into base_dn_filter. snake_case input is returned as is.
func snakeCase(s string) string {
	runes := []rune(s)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// loadConfigFromEnv applies LDIFTAP_* overrides.
func loadConfigFromEnv(f *File) error {
	strs := map[string]*string{
		"FILE_PATH":      &f.FilePath,
		"DIRECTORY_PATH": &f.DirectoryPath,
		"FILE_PATTERN":   &f.FilePattern,
		"S3_BUCKET":      &f.S3Bucket,
		"S3_PREFIX":      &f.S3Prefix,
		"S3_REGION":      &f.S3Region,
		"S3_CACHE_DIR":   &f.S3CacheDir,
		"ENCODING":       &f.Encoding,
		"BASE_DN_FILTER": &f.BaseDNFilter,
		"STATE_STORE":    &f.StateStore,
		"STATE_BACKEND":  &f.StateBackend,
		"METRICS_FILE":   &f.MetricsFile,
		"LOG_LEVEL":      &f.LogLevel,
		"LOG_FILE":       &f.LogFile,
	}
	for name, dst := range strs {
		if val, ok := os.LookupEnv(EnvPrefix + name); ok {
			*dst = val
		}
	}

	lists := map[string]*[]string{
		"OBJECT_CLASS_FILTER": &f.ObjectClassFilter,
		"ATTRIBUTE_FILTER":    &f.AttributeFilter,
		"EXCLUDE_ATTRIBUTES":  &f.ExcludeAttributes,
	}
	for name, dst := range lists {
		if val, ok := os.LookupEnv(EnvPrefix + name); ok {
			*dst = splitList(val)
		}
	}

	ints := map[string]*int{
		"BATCH_SIZE":         &f.BatchSize,
		"MAX_FILE_SIZE_MB":   &f.MaxFileSizeMB,
		"SAMPLE_SIZE":        &f.SampleSize,
		"SAMPLE_SOURCES":     &f.SampleSources,
		"SOURCE_PARALLELISM": &f.SourceParallelism,
	}
	for name, dst := range ints {
		if val, ok := os.LookupEnv(EnvPrefix + name); ok {
			n, err := strconv.Atoi(val)
			if err != nil {
				return tap.NewConfigurationError(fmt.Sprintf("%s%s must be an integer, got %q", EnvPrefix, name, val))
			}
			*dst = n
		}
	}

	if val, ok := os.LookupEnv(EnvPrefix + "MAX_DECODE_ERRORS"); ok {
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return tap.NewConfigurationError(fmt.Sprintf("%sMAX_DECODE_ERRORS must be an integer, got %q", EnvPrefix, val))
		}
		f.MaxDecodeErrors = n
	}

	bools := map[string]*bool{
		"STRICT_PARSING":                 &f.StrictParsing,
		"INCLUDE_OPERATIONAL_ATTRIBUTES": &f.IncludeOperationalAttributes,
	}
	for name, dst := range bools {
		if val, ok := os.LookupEnv(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(val)
			if err != nil {
				return tap.NewConfigurationError(fmt.Sprintf("%s%s must be true or false, got %q", EnvPrefix, name, val))
			}
			*dst = b
		}
	}
	return nil
}

func splitList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ToTapConfig converts the file settings into the engine configuration.
func (f *File) ToTapConfig() tap.Config {
	cfg := tap.Config{
		FilePath:                     f.FilePath,
		DirectoryPath:                f.DirectoryPath,
		FilePattern:                  f.FilePattern,
		S3Bucket:                     f.S3Bucket,
		S3Prefix:                     f.S3Prefix,
		S3Region:                     f.S3Region,
		S3CacheDir:                   f.S3CacheDir,
		Encoding:                     f.Encoding,
		BatchSize:                    f.BatchSize,
		MaxFileSizeMB:                f.MaxFileSizeMB,
		StrictParsing:                f.StrictParsing,
		MaxDecodeErrors:              f.MaxDecodeErrors,
		IncludeOperationalAttributes: f.IncludeOperationalAttributes,
		BaseDNFilter:                 f.BaseDNFilter,
		ObjectClassFilter:            f.ObjectClassFilter,
		AttributeFilter:              f.AttributeFilter,
		ExcludeAttributes:            f.ExcludeAttributes,
		SampleSize:                   f.SampleSize,
		SampleSources:                f.SampleSources,
		SourceParallelism:            f.SourceParallelism,
	}
	return cfg
}

// Validate checks the engine settings and the settings only the CLI uses.
func (f *File) Validate() error {
	cfg := f.ToTapConfig()
	if err := cfg.Validate(); err != nil {
		return err
	}
	switch strings.ToLower(f.StateBackend) {
	case "", state.BackendJSON, state.BackendPebble:
	default:
		return tap.NewConfigurationError(fmt.Sprintf("state_backend must be %s or %s, got %q", state.BackendJSON, state.BackendPebble, f.StateBackend))
	}
	return nil
}
