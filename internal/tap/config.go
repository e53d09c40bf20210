package tap

import (
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

const (
	DefaultBatchSize       = 1000
	MaxBatchSize           = 10000
	DefaultMaxFileSizeMB   = 100
	MaxFileSizeMB          = 1000
	DefaultMaxDecodeErrors = 1000
	DefaultSampleSize      = 100
	DefaultSampleSources   = 5
	DefaultEncoding        = "utf-8"
)

// Config holds the engine configuration.
type Config struct {
	FilePath      string
	DirectoryPath string
	FilePattern   string

	S3Bucket   string
	S3Prefix   string
	S3Region   string
	S3CacheDir string

	Encoding      string
	BatchSize     int
	MaxFileSizeMB int

	StrictParsing   bool
	MaxDecodeErrors int64

	IncludeOperationalAttributes bool
	BaseDNFilter                 string
	ObjectClassFilter            []string
	AttributeFilter              []string
	ExcludeAttributes            []string

	SampleSize        int
	SampleSources     int
	SourceParallelism int
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() Config {
	cfg := Config{StrictParsing: true}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills zero-valued numeric and string settings.
func (c *Config) SetDefaults() {
	if c.Encoding == "" {
		c.Encoding = DefaultEncoding
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MaxFileSizeMB == 0 {
		c.MaxFileSizeMB = DefaultMaxFileSizeMB
	}
	if c.MaxDecodeErrors == 0 {
		c.MaxDecodeErrors = DefaultMaxDecodeErrors
	}
	if c.SampleSize == 0 {
		c.SampleSize = DefaultSampleSize
	}
	if c.SampleSources == 0 {
		c.SampleSources = DefaultSampleSources
	}
	if c.SourceParallelism == 0 {
		c.SourceParallelism = 1
	}
	if c.S3Region == "" {
		c.S3Region = "us-east-1"
	}
}

// InputMode names which of the mutually exclusive input selections is configured.
type InputMode int

const (
	InputNone InputMode = iota
	InputFile
	InputDirectory
	InputPattern
	InputS3
)

// Mode returns the configured input mode.
func (c *Config) Mode() InputMode {
	switch {
	case c.FilePath != "":
		return InputFile
	case c.DirectoryPath != "":
		return InputDirectory
	case c.S3Bucket != "":
		return InputS3
	case c.FilePattern != "":
		return InputPattern
	default:
		return InputNone
	}
}

// MaxFileSizeBytes returns the per-file size limit in bytes.
func (c *Config) MaxFileSizeBytes() int64 {
	return int64(c.MaxFileSizeMB) * 1024 * 1024
}

// Validate checks the configuration and returns a configuration error describing the first problem.
func (c *Config) Validate() error {
	modes := 0
	if c.FilePath != "" {
		modes++
	}
	if c.DirectoryPath != "" {
		modes++
	}
	if c.S3Bucket != "" {
		modes++
	}
	if c.FilePattern != "" && c.DirectoryPath == "" && c.S3Bucket == "" {
		modes++
	}
	if modes == 0 {
		return NewConfigurationError("one of file_path, directory_path with file_pattern, file_pattern or s3_bucket is required")
	}
	if modes > 1 {
		return NewConfigurationError("file_path, directory_path, file_pattern and s3_bucket are mutually exclusive")
	}
	if c.DirectoryPath != "" && c.FilePattern == "" {
		return NewConfigurationError("file_pattern is required with directory_path")
	}

	if c.BatchSize < 1 || c.BatchSize > MaxBatchSize {
		return NewConfigurationError(fmt.Sprintf("batch_size must be between 1 and %d, got %d", MaxBatchSize, c.BatchSize))
	}
	if c.MaxFileSizeMB < 1 || c.MaxFileSizeMB > MaxFileSizeMB {
		return NewConfigurationError(fmt.Sprintf("max_file_size_mb must be between 1 and %d, got %d", MaxFileSizeMB, c.MaxFileSizeMB))
	}
	if c.MaxDecodeErrors < 1 {
		return NewConfigurationError("max_decode_errors must be greater than 0")
	}
	if c.SampleSize < 1 || c.SampleSources < 1 {
		return NewConfigurationError("sample_size and sample_sources must be greater than 0")
	}
	if c.SourceParallelism < 1 {
		return NewConfigurationError("source_parallelism must be greater than 0")
	}
	if _, err := LookupEncoding(c.Encoding); err != nil {
		return NewConfigurationError(err.Error())
	}

	if c.BaseDNFilter != "" {
		if _, err := ldap.ParseDN(c.BaseDNFilter); err != nil {
			return NewConfigurationError(fmt.Sprintf("base_dn_filter %q is not a valid DN: %v", c.BaseDNFilter, err))
		}
	}

	if overlap := intersectFold(c.AttributeFilter, c.ExcludeAttributes); len(overlap) > 0 {
		return NewConfigurationError(fmt.Sprintf("attributes cannot be both included and excluded: %s", strings.Join(overlap, ", ")))
	}

	return nil
}

func intersectFold(a, b []string) []string {
	seen := make(map[string]bool, len(b))
	for _, v := range b {
		seen[strings.ToLower(v)] = true
	}
	var out []string
	for _, v := range a {
		if seen[strings.ToLower(v)] {
			out = append(out, v)
		}
	}
	return out
}
