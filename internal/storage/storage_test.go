package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/experiment-callouts/internal/config"
	"github.com/ignite/experiment-callouts/internal/domain"
)

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	meta    map[string]map[string]string
	putErr  error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte), meta: make(map[string]map[string]string)}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[*in.Bucket+"/"+*in.Key] = body
	f.meta[*in.Bucket+"/"+*in.Key] = in.Metadata
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.objects[*in.Bucket+"/"+*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func testRecord(date string, at time.Time) Record {
	return Record{
		Callout: domain.Callout{
			ID:        "run-1",
			Date:      date,
			Markdown:  "# Experiment Callout - " + date + "\n",
			Model:     "gpt-4o",
			ToolCalls: 7,
		},
		GeneratedAt: at,
		Entries:     []Entry{{Experiment: "Block bad address at checkout", AnalysisID: "a-1", State: "done"}},
	}
}

// =============================================================================
// Local
// =============================================================================

func TestLocalStore_SaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	s, err := NewLocalStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	at := time.Date(2026, 10, 18, 9, 5, 7, 0, time.UTC)
	path, err := s.Save(ctx, testRecord("2026-10-18", at))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "agent_callout_1018_090507.md"), path)

	md, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "# Experiment Callout - 2026-10-18\n", string(md))

	later := testRecord("2026-10-18", at.Add(time.Hour))
	later.Markdown = "second run"
	_, err = s.Save(ctx, later)
	require.NoError(t, err)
	_, err = s.Save(ctx, testRecord("2026-10-17", at.Add(2*time.Hour)))
	require.NoError(t, err)

	rec, err := s.Load(ctx, "2026-10-18")
	require.NoError(t, err)
	assert.Equal(t, "second run", rec.Markdown)
	assert.Equal(t, 7, rec.ToolCalls)
	require.Len(t, rec.Entries, 1)

	_, err = s.Load(ctx, "2026-01-01")
	assert.ErrorIs(t, err, ErrNotFound)
}

// =============================================================================
// S3
// =============================================================================

func TestS3Store_RoundTrip(t *testing.T) {
	key := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, 32))
	tests := []struct {
		name string
		opts S3Options
		ext  string
	}{
		{"plain", S3Options{Bucket: "b", Prefix: "p/"}, ".json"},
		{"compressed", S3Options{Bucket: "b", Prefix: "p/", Compress: true}, ".json.gz"},
		{"compressed and encrypted", S3Options{Bucket: "b", Prefix: "p/", Compress: true, EncryptionKey: key}, ".json.gz.enc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakeS3()
			s, err := NewS3Store(fake, tt.opts)
			require.NoError(t, err)
			ctx := context.Background()

			loc, err := s.Save(ctx, testRecord("2026-10-18", time.Now()))
			require.NoError(t, err)
			assert.Equal(t, "s3://b/p/callouts/2026-10-18/run-1"+tt.ext, loc)
			assert.Contains(t, fake.objects, "b/p/callouts/2026-10-18/latest"+tt.ext)
			assert.Equal(t, "2026-10-18", fake.meta["b/p/callouts/2026-10-18/latest"+tt.ext]["callout-date"])

			raw := fake.objects["b/p/callouts/2026-10-18/latest"+tt.ext]
			assert.Equal(t, tt.ext == ".json", strings.Contains(string(raw), "Experiment Callout"))

			rec, err := s.Load(ctx, "2026-10-18")
			require.NoError(t, err)
			assert.Equal(t, "run-1", rec.ID)
			assert.Equal(t, "# Experiment Callout - 2026-10-18\n", rec.Markdown)

			_, err = s.Load(ctx, "2026-10-17")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestNewS3Store_Validation(t *testing.T) {
	_, err := NewS3Store(newFakeS3(), S3Options{})
	assert.Error(t, err)
	_, err = NewS3Store(newFakeS3(), S3Options{Bucket: "b", EncryptionKey: "not base64!"})
	assert.Error(t, err)
	_, err = NewS3Store(newFakeS3(), S3Options{Bucket: "b", EncryptionKey: base64.StdEncoding.EncodeToString([]byte("short"))})
	assert.ErrorContains(t, err, "32 bytes")
}

func TestS3Store_WrongKeyFailsToDecrypt(t *testing.T) {
	fake := newFakeS3()
	k1 := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{1}, 32))
	k2 := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{2}, 32))
	w, err := NewS3Store(fake, S3Options{Bucket: "b", EncryptionKey: k1})
	require.NoError(t, err)
	r, err := NewS3Store(fake, S3Options{Bucket: "b", EncryptionKey: k2})
	require.NoError(t, err)

	_, err = w.Save(context.Background(), testRecord("2026-10-18", time.Now()))
	require.NoError(t, err)
	_, err = r.Load(context.Background(), "2026-10-18")
	assert.ErrorContains(t, err, "decrypt")
}

// =============================================================================
// Selection and fan-out
// =============================================================================

func TestNew_SelectsBackends(t *testing.T) {
	dir := t.TempDir()

	s, err := New(config.StorageConfig{Type: "local", LocalPath: dir}, nil)
	require.NoError(t, err)
	assert.IsType(t, &LocalStore{}, s)

	_, err = New(config.StorageConfig{Type: "s3", S3Bucket: "b"}, nil)
	assert.Error(t, err)

	s, err = New(config.StorageConfig{Type: "both", LocalPath: dir, S3Bucket: "b"}, newFakeS3())
	require.NoError(t, err)
	assert.IsType(t, &multiStore{}, s)

	_, err = New(config.StorageConfig{Type: "ftp"}, nil)
	assert.Error(t, err)
}

func TestMulti_PartialFailure(t *testing.T) {
	broken := newFakeS3()
	broken.putErr = errors.New("access denied")
	s3Store, err := NewS3Store(broken, S3Options{Bucket: "b"})
	require.NoError(t, err)
	local, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	m := Multi(s3Store, local)
	loc, err := m.Save(context.Background(), testRecord("2026-10-18", time.Now()))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(loc, ".md"))

	rec, err := m.Load(context.Background(), "2026-10-18")
	require.NoError(t, err)
	assert.Equal(t, "run-1", rec.ID)

	all := Multi(s3Store)
	_, err = all.Save(context.Background(), testRecord("2026-10-18", time.Now()))
	assert.ErrorContains(t, err, "access denied")
}
