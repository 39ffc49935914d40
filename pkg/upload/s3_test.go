package upload

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ethpandaops/testrelay/pkg/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePrefix(t *testing.T) {
	tests := []struct {
		name     string
		prefix   string
		baseName string
		want     string
	}{
		{
			name:     "default prefix",
			prefix:   "",
			baseName: "b-8cec1fab",
			want:     "builds/b-8cec1fab",
		},
		{
			name:     "custom prefix",
			prefix:   "ci/test-results",
			baseName: "b-1",
			want:     "ci/test-results/b-1",
		},
		{
			name:     "trailing slash stripped",
			prefix:   "my-prefix/",
			baseName: "b-2",
			want:     "my-prefix/b-2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := &s3Uploader{
				cfg: &config.S3UploadConfig{Prefix: tt.prefix},
			}
			assert.Equal(t, tt.want, u.resolvePrefix(tt.baseName))
		})
	}
}

func TestDetectContentType(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		wantPrefix string
	}{
		{name: "json file", path: "b-1/build.json", wantPrefix: "application/json"},
		{name: "event log", path: "b-1/unitevents/events.jsonl", wantPrefix: "application/x-ndjson"},
		{name: "no extension", path: "b-1/Makefile", wantPrefix: "application/octet-stream"},
		{name: "txt file", path: "b-1/notes.txt", wantPrefix: "text/plain"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, detectContentType(tt.path), tt.wantPrefix)
		})
	}
}

type fakePutter struct {
	mu   sync.Mutex
	keys []string
	fail string
}

func (f *fakePutter) PutObject(
	_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options),
) (*s3.PutObjectOutput, error) {
	key := aws.ToString(in.Key)
	if key == f.fail {
		return nil, errors.New("access denied")
	}

	if _, err := io.Copy(io.Discard, in.Body); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.keys = append(f.keys, key)

	return &s3.PutObjectOutput{}, nil
}

func newBuildDir(t *testing.T) string {
	t.Helper()

	dir := filepath.Join(t.TempDir(), "b-42")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "unitevents"), 0o755))

	for _, name := range []string{"build.json", "unitevents/events.jsonl", "unitevents/manifest.json"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("{}\n"), 0o644))
	}

	return dir
}

func TestUpload_AllFiles(t *testing.T) {
	fake := &fakePutter{}
	u := &s3Uploader{
		log:    logrus.New(),
		cfg:    &config.S3UploadConfig{Bucket: "ci", Prefix: "builds", Concurrency: 2},
		client: fake,
	}

	require.NoError(t, u.Upload(context.Background(), newBuildDir(t)))

	sort.Strings(fake.keys)
	assert.Equal(t, []string{
		"builds/b-42/build.json",
		"builds/b-42/unitevents/events.jsonl",
		"builds/b-42/unitevents/manifest.json",
	}, fake.keys)
}

func TestUpload_Failure(t *testing.T) {
	fake := &fakePutter{fail: "builds/b-42/build.json"}
	u := &s3Uploader{
		log:    logrus.New(),
		cfg:    &config.S3UploadConfig{Bucket: "ci", Concurrency: 1},
		client: fake,
	}

	err := u.Upload(context.Background(), newBuildDir(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
}

func TestNewS3Uploader_RequiresBucket(t *testing.T) {
	_, err := NewS3Uploader(logrus.New(), &config.S3UploadConfig{})
	assert.Error(t, err)

	u, err := NewS3Uploader(logrus.New(), &config.S3UploadConfig{Bucket: "ci", Region: "eu-west-1"})
	require.NoError(t, err)
	assert.NotNil(t, u)
}
