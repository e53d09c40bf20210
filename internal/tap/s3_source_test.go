package tap

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// MockS3API implements S3API for testing
type MockS3API struct {
	ListObjectsV2Func func(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObjectFunc     func(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

func (m *MockS3API) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	if m.ListObjectsV2Func != nil {
		return m.ListObjectsV2Func(ctx, params, optFns...)
	}
	return nil, errors.New("ListObjectsV2Func not implemented")
}

func (m *MockS3API) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if m.GetObjectFunc != nil {
		return m.GetObjectFunc(ctx, params, optFns...)
	}
	return nil, errors.New("GetObjectFunc not implemented")
}

// newBucketMock serves objects from memory, two keys per listing page.
func newBucketMock(objects map[string]string, downloads *int32) *MockS3API {
	var keys []string
	for k := range objects {
		keys = append(keys, k)
	}
	// Listing order is deliberately not sorted.
	for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
		keys[i], keys[j] = keys[j], keys[i]
	}

	return &MockS3API{
		ListObjectsV2Func: func(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
			prefix := aws.ToString(params.Prefix)
			var matching []string
			for _, k := range keys {
				if strings.HasPrefix(k, prefix) {
					matching = append(matching, k)
				}
			}

			start := 0
			if params.ContinuationToken != nil {
				for i, k := range matching {
					if k == *params.ContinuationToken {
						start = i
					}
				}
			}
			end := min(start+2, len(matching))

			out := &s3.ListObjectsV2Output{}
			for _, k := range matching[start:end] {
				out.Contents = append(out.Contents, types.Object{
					Key:  aws.String(k),
					Size: aws.Int64(int64(len(objects[k]))),
					ETag: aws.String(`"etag-` + k + `"`),
				})
			}
			if end < len(matching) {
				out.IsTruncated = aws.Bool(true)
				out.NextContinuationToken = aws.String(matching[end])
			}
			return out, nil
		},
		GetObjectFunc: func(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
			body, ok := objects[aws.ToString(params.Key)]
			if !ok {
				return nil, errors.New("NoSuchKey")
			}
			if downloads != nil {
				atomic.AddInt32(downloads, 1)
			}
			return &s3.GetObjectOutput{
				Body:          io.NopCloser(strings.NewReader(body)),
				ContentLength: aws.Int64(int64(len(body))),
			}, nil
		},
	}
}

func s3TestConfig(cacheDir string) Config {
	cfg := DefaultConfig()
	cfg.S3Bucket = "exports"
	cfg.S3Prefix = "ldap/"
	cfg.S3CacheDir = cacheDir
	return cfg
}

func TestS3Source_ListObjects(t *testing.T) {
	objects := map[string]string{
		"ldap/2024/b.ldif":  ldifEntries(1),
		"ldap/2024/a.ldif":  ldifEntries(1),
		"ldap/2024/readme":  "text",
		"ldap/2023/c.ldif":  ldifEntries(1),
		"ldap/":             "",
		"other/x.ldif":      ldifEntries(1),
		"ldap/2023/d.ldif~": ldifEntries(1),
	}
	cfg := s3TestConfig(t.TempDir())
	cfg.FilePattern = "**/*.ldif"

	src := NewS3Source(newBucketMock(objects, nil), cfg, discardLogger())
	listed, err := src.ListObjects(context.Background())
	if err != nil {
		t.Fatalf("ListObjects() error = %v", err)
	}

	var keys []string
	for _, o := range listed {
		keys = append(keys, o.Key)
	}
	want := []string{"ldap/2023/c.ldif", "ldap/2024/a.ldif", "ldap/2024/b.ldif"}
	if strings.Join(keys, ",") != strings.Join(want, ",") {
		t.Errorf("ListObjects() = %v, want %v", keys, want)
	}
	if listed[0].ETag == "" || listed[0].Size == 0 {
		t.Errorf("ListObjects() should carry size and etag, got %+v", listed[0])
	}
}

func TestS3Source_Resolve(t *testing.T) {
	objects := map[string]string{
		"ldap/a.ldif": ldifEntries(2),
		"ldap/b.ldif": ldifEntries(3),
	}
	cacheDir := t.TempDir()
	var downloads int32
	src := NewS3Source(newBucketMock(objects, &downloads), s3TestConfig(cacheDir), discardLogger())

	sources, err := src.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(sources) != 2 {
		t.Fatalf("Resolve() returned %d sources, want 2", len(sources))
	}
	if sources[0].ID != "s3://exports/ldap/a.ldif" {
		t.Errorf("source ID = %s, want s3://exports/ldap/a.ldif", sources[0].ID)
	}
	wantPath := filepath.Join(cacheDir, "exports", "ldap", "a.ldif")
	if sources[0].Path != wantPath {
		t.Errorf("source path = %s, want %s", sources[0].Path, wantPath)
	}
	data, err := os.ReadFile(sources[1].Path)
	if err != nil || string(data) != objects["ldap/b.ldif"] {
		t.Errorf("downloaded content mismatch: %v", err)
	}

	// A second resolve reuses the cache.
	if _, err := src.Resolve(context.Background()); err != nil {
		t.Fatalf("second Resolve() error = %v", err)
	}
	if got := atomic.LoadInt32(&downloads); got != 2 {
		t.Errorf("downloads = %d, want 2", got)
	}
}

func TestS3Source_SyncThroughResolver(t *testing.T) {
	objects := map[string]string{"ldap/people.ldif": ldifEntries(4)}
	cfg := s3TestConfig(t.TempDir())
	api := newBucketMock(objects, nil)
	resolver := NewResolver(cfg, NewS3Source(api, cfg, discardLogger()), discardLogger())

	sources, err := resolver.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	res, err := runSync(t, cfg, sources, SyncOptions{})
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if len(res.dns()) != 4 {
		t.Errorf("records = %d, want 4", len(res.dns()))
	}
	if got := res.finalState()["s3://exports/ldap/people.ldif"]; got != float64(4) {
		t.Errorf("final bookmark = %v, want 4", got)
	}
}

func TestS3Source_Errors(t *testing.T) {
	t.Run("object too large", func(t *testing.T) {
		cfg := s3TestConfig(t.TempDir())
		cfg.MaxFileSizeMB = 1
		var downloads int32
		objects := map[string]string{"ldap/huge.ldif": strings.Repeat("x", 1024*1024+1)}

		_, err := NewS3Source(newBucketMock(objects, &downloads), cfg, discardLogger()).Resolve(context.Background())
		if !errors.Is(err, ErrConfiguration) {
			t.Fatalf("Resolve() error = %v, want configuration error", err)
		}
		if downloads != 0 {
			t.Error("oversized objects should be rejected before download")
		}
	})

	t.Run("empty listing", func(t *testing.T) {
		_, err := NewS3Source(newBucketMock(map[string]string{}, nil), s3TestConfig(t.TempDir()), discardLogger()).Resolve(context.Background())
		if !errors.Is(err, ErrConfiguration) {
			t.Fatalf("Resolve() error = %v, want configuration error", err)
		}
	})

	t.Run("list failure", func(t *testing.T) {
		api := &MockS3API{
			ListObjectsV2Func: func(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
				return nil, errors.New("AccessDenied")
			},
		}
		_, err := NewS3Source(api, s3TestConfig(t.TempDir()), discardLogger()).Resolve(context.Background())
		var pe *ProcessingError
		if !errors.As(err, &pe) || pe.Type != ErrorTypeS3 {
			t.Fatalf("Resolve() error = %v, want S3 error", err)
		}
	})

	t.Run("download failure", func(t *testing.T) {
		api := newBucketMock(map[string]string{"ldap/a.ldif": ldifEntries(1)}, nil)
		api.GetObjectFunc = func(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
			return nil, errors.New("SlowDown")
		}
		_, err := NewS3Source(api, s3TestConfig(t.TempDir()), discardLogger()).Resolve(context.Background())
		if err == nil || !strings.Contains(err.Error(), "SlowDown") {
			t.Fatalf("Resolve() error = %v, want download failure", err)
		}
	})
}
