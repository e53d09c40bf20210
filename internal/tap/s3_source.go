package tap

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/bmatcuk/doublestar/v4"
)

// S3API is the subset of the S3 client used to list and fetch LDIF objects
type S3API interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// NewS3API creates an S3 client using the default credential chain
// (environment variables, shared profiles, IAM roles).
func NewS3API(ctx context.Context, region string) (*s3.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithRetryMaxAttempts(3),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return s3.NewFromConfig(cfg), nil
}

// S3Object is a listed object selected for download
type S3Object struct {
	Key  string
	Size int64
	ETag string
}

// S3Source lists objects under a bucket prefix and downloads them into a local
// cache so they can be decoded like local files.
type S3Source struct {
	api      S3API
	bucket   string
	prefix   string
	pattern  string
	cacheDir string
	encoding string
	maxSize  int64
	logger   *slog.Logger
}

// NewS3Source creates an S3 source for the bucket settings in cfg.
func NewS3Source(api S3API, cfg Config, logger *slog.Logger) *S3Source {
	if logger == nil {
		logger = slog.Default()
	}
	cacheDir := cfg.S3CacheDir
	if cacheDir == "" {
		cacheDir = filepath.Join(os.TempDir(), "tap-ldif-cache")
	}
	return &S3Source{
		api:      api,
		bucket:   cfg.S3Bucket,
		prefix:   cfg.S3Prefix,
		pattern:  cfg.FilePattern,
		cacheDir: cacheDir,
		encoding: cfg.Encoding,
		maxSize:  cfg.MaxFileSizeBytes(),
		logger:   logger.With("component", "s3_source", "bucket", cfg.S3Bucket),
	}
}

// ObjectID returns the state key used for key.
func (s *S3Source) ObjectID(key string) string {
	return "s3://" + s.bucket + "/" + key
}

// ListObjects lists matching objects sorted by key, handling pagination.
func (s *S3Source) ListObjects(ctx context.Context) ([]S3Object, error) {
	if s.pattern != "" && !doublestar.ValidatePattern(s.pattern) {
		return nil, NewConfigurationError(fmt.Sprintf("invalid file_pattern: %s", s.pattern))
	}

	input := &s3.ListObjectsV2Input{Bucket: aws.String(s.bucket)}
	if s.prefix != "" {
		input.Prefix = aws.String(s.prefix)
	}

	var objects []S3Object
	paginator := s3.NewListObjectsV2Paginator(s.api, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, newError(ErrorTypeS3, s.ObjectID(s.prefix), 0, err,
				fmt.Sprintf("failed to list objects in bucket %s with prefix %s: %v", s.bucket, s.prefix, err))
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, "/") {
				continue
			}
			if s.pattern != "" {
				rel := strings.TrimPrefix(strings.TrimPrefix(key, s.prefix), "/")
				if ok, _ := doublestar.Match(s.pattern, rel); !ok {
					continue
				}
			}
			objects = append(objects, S3Object{
				Key:  key,
				Size: aws.ToInt64(obj.Size),
				ETag: aws.ToString(obj.ETag),
			})
		}
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

// Resolve lists, size-checks and downloads the matching objects.
func (s *S3Source) Resolve(ctx context.Context) ([]Source, error) {
	objects, err := s.ListObjects(ctx)
	if err != nil {
		return nil, err
	}
	if len(objects) == 0 {
		return nil, NewConfigurationError(fmt.Sprintf("no objects matched in s3://%s/%s", s.bucket, s.prefix))
	}
	for _, obj := range objects {
		if err := checkSize(s.ObjectID(obj.Key), obj.Size, s.maxSize); err != nil {
			return nil, err
		}
	}

	sources := make([]Source, 0, len(objects))
	for _, obj := range objects {
		local, err := s.download(ctx, obj)
		if err != nil {
			return nil, err
		}
		compressed, enc, err := inspectFile(local, s.encoding)
		if err != nil {
			return nil, fmt.Errorf("cannot read downloaded object %s: %w", obj.Key, err)
		}
		sources = append(sources, Source{
			ID:         s.ObjectID(obj.Key),
			Path:       local,
			Encoding:   enc,
			Size:       obj.Size,
			Compressed: compressed,
		})
	}
	s.logger.Info("Resolved S3 sources.", "count", len(sources), "cache_dir", s.cacheDir)
	return sources, nil
}

// download fetches obj into the cache unless a file of the same size is already there.
func (s *S3Source) download(ctx context.Context, obj S3Object) (string, error) {
	localPath := filepath.Join(s.cacheDir, s.bucket, filepath.FromSlash(obj.Key))
	if info, err := os.Stat(localPath); err == nil && info.Size() == obj.Size {
		s.logger.Debug("Using cached object.", "key", obj.Key, "path", localPath)
		return localPath, nil
	}

	dir := filepath.Dir(localPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	result, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(obj.Key),
	})
	if err != nil {
		return "", newError(ErrorTypeS3, s.ObjectID(obj.Key), 0, err,
			fmt.Sprintf("failed to get object %s from bucket %s: %v", obj.Key, s.bucket, err))
	}
	defer result.Body.Close()

	tempPath := localPath + ".tmp"
	file, err := os.Create(tempPath)
	if err != nil {
		return "", fmt.Errorf("failed to create temporary file %s: %w", tempPath, err)
	}
	if _, err := io.Copy(file, result.Body); err != nil {
		file.Close()
		os.Remove(tempPath)
		return "", fmt.Errorf("failed to download object %s: %w", obj.Key, err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("failed to close temporary file %s: %w", tempPath, err)
	}
	if err := os.Rename(tempPath, localPath); err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("failed to move downloaded file into place: %w", err)
	}

	s.logger.Info("Downloaded object.", "key", obj.Key, "size", obj.Size)
	return localPath, nil
}
