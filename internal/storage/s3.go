package storage

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/ignite/experiment-callouts/internal/pkg/logger"
)

// ObjectAPI is the subset of the S3 client the archive uses.
type ObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Options configures the archive.
type S3Options struct {
	Bucket        string
	Prefix        string // e.g. "experiment-callouts/"
	Compress      bool   // gzip the payload
	EncryptionKey string // base64-encoded 32-byte AES-256 key, optional
}

// S3Store archives callout records as JSON objects. Each save writes
// callouts/<date>/<run id>.json and overwrites callouts/<date>/latest.json.
type S3Store struct {
	client        ObjectAPI
	bucket        string
	prefix        string
	compress      bool
	encryptionKey []byte
	log           *logger.Logger
}

// NewS3Store validates the options and wraps client.
func NewS3Store(client ObjectAPI, opts S3Options) (*S3Store, error) {
	if opts.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	s := &S3Store{
		client:   client,
		bucket:   opts.Bucket,
		prefix:   opts.Prefix,
		compress: opts.Compress,
		log:      logger.Default().With("component", "storage", "backend", "s3", "bucket", opts.Bucket),
	}
	if opts.EncryptionKey != "" {
		key, err := base64.StdEncoding.DecodeString(opts.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("invalid encryption key: %w", err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("encryption key must be 32 bytes (AES-256)")
		}
		s.encryptionKey = key
	}
	return s, nil
}

func (s *S3Store) key(date, name string) string {
	k := fmt.Sprintf("%scallouts/%s/%s.json", s.prefix, date, name)
	if s.compress {
		k += ".gz"
	}
	if s.encryptionKey != nil {
		k += ".enc"
	}
	return k
}

// Save uploads the record under its run id and as the date's latest.
func (s *S3Store) Save(ctx context.Context, rec Record) (string, error) {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to serialize callout: %w", err)
	}
	if data, err = s.encode(data); err != nil {
		return "", err
	}

	runID := rec.ID
	if runID == "" {
		runID = rec.GeneratedAt.UTC().Format("20060102T150405Z")
	}
	runKey := s.key(rec.Date, runID)
	for _, key := range []string{runKey, s.key(rec.Date, "latest")} {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String("application/json"),
			Metadata: map[string]string{
				"callout-date": rec.Date,
				"compressed":   strconv.FormatBool(s.compress),
				"encrypted":    strconv.FormatBool(s.encryptionKey != nil),
				"generated-at": rec.GeneratedAt.UTC().Format(time.RFC3339),
			},
		})
		if err != nil {
			return "", fmt.Errorf("failed to upload to S3: %w", err)
		}
	}
	location := fmt.Sprintf("s3://%s/%s", s.bucket, runKey)
	s.log.Info("callout archived", "location", location, "bytes", len(data))
	return location, nil
}

// Load downloads the latest record for date.
func (s *S3Store) Load(ctx context.Context, date string) (*Record, error) {
	key := s.key(date, "latest")
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to download from S3: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read S3 object: %w", err)
	}
	if data, err = s.decode(data); err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to deserialize callout: %w", err)
	}
	return &rec, nil
}

func (s *S3Store) encode(data []byte) ([]byte, error) {
	var err error
	if s.compress {
		if data, err = gzipCompress(data); err != nil {
			return nil, fmt.Errorf("failed to compress data: %w", err)
		}
	}
	if s.encryptionKey != nil {
		if data, err = encrypt(s.encryptionKey, data); err != nil {
			return nil, fmt.Errorf("failed to encrypt data: %w", err)
		}
	}
	return data, nil
}

func (s *S3Store) decode(data []byte) ([]byte, error) {
	var err error
	if s.encryptionKey != nil {
		if data, err = decrypt(s.encryptionKey, data); err != nil {
			return nil, fmt.Errorf("failed to decrypt data: %w", err)
		}
	}
	if s.compress {
		if data, err = gzipDecompress(data); err != nil {
			return nil, fmt.Errorf("failed to decompress data: %w", err)
		}
	}
	return data, nil
}

func gzipCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gzipDecompress(data []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gz.Close()
	return io.ReadAll(gz)
}

// encrypt seals with AES-256-GCM; the nonce is prepended.
func encrypt(key, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func decrypt(key, ciphertext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	n := gcm.NonceSize()
	if len(ciphertext) < n {
		return nil, fmt.Errorf("ciphertext too short")
	}
	return gcm.Open(nil, ciphertext[:n], ciphertext[n:], nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
