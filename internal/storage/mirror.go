package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/goccy/go-json"

	"github.com/openmusicplayer/mediafetch/internal/download"
	apperrors "github.com/openmusicplayer/mediafetch/internal/errors"
	"github.com/openmusicplayer/mediafetch/internal/logger"
)

// AssetMetadata is stored next to every mirrored object.
type AssetMetadata struct {
	Kind       string    `json:"kind"`
	MediaID    string    `json:"media_id"`
	Title      string    `json:"title,omitempty"`
	FileName   string    `json:"file_name"`
	Size       int64     `json:"size"`
	BatchID    string    `json:"batch_id"`
	JobID      string    `json:"job_id"`
	MirroredAt time.Time `json:"mirrored_at"`
}

// UploadResult describes one Upload call.
type UploadResult struct {
	StorageKey   string `json:"storage_key"`
	IdentityHash string `json:"identity_hash"`
	IsNew        bool   `json:"is_new"` // false when the object was already stored
}

// Mirror uploads finished assets to object storage. It implements
// download.ResultSink.
type Mirror struct {
	client *s3.Client
	bucket string
	retry  *apperrors.RetryConfig
	log    *logger.Logger
}

// NewMirror creates an S3 mirror. Path-style addressing is always used so
// MinIO endpoints work.
func NewMirror(cfg *Config, log *logger.Logger) *Mirror {
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  awscreds.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.endpointURL())
	}
	if log == nil {
		log = logger.Default()
	}

	return &Mirror{
		client: s3.New(opts),
		bucket: cfg.Bucket,
		retry:  apperrors.StorageRetryConfig(),
		log:    log.WithComponent("mirror"),
	}
}

// GenerateIdentityHash derives the dedup key of an asset from its kind and
// catalog id, so re-downloads of the same item map onto one object.
func GenerateIdentityHash(kind download.AssetKind, mediaID string) string {
	hashInput := fmt.Sprintf("%s|%s", strings.ToLower(string(kind)), strings.TrimSpace(mediaID))
	hash := sha256.Sum256([]byte(hashInput))
	return hex.EncodeToString(hash[:])
}

func objectKey(kind download.AssetKind, identityHash, ext string) string {
	return fmt.Sprintf("%s/%s/asset%s", kind, identityHash, ext)
}

// AssetKey returns the object key a finished job is mirrored under.
func AssetKey(job download.JobSnapshot) string {
	return objectKey(job.Asset.Kind, GenerateIdentityHash(job.Asset.Kind, job.Asset.MediaID), filepath.Ext(job.DestinationPath))
}

func metadataKey(kind download.AssetKind, identityHash string) string {
	return fmt.Sprintf("%s/%s/metadata.json", kind, identityHash)
}

// ContentType picks the MIME type for an asset.
func ContentType(asset download.Asset, path string) string {
	if asset.MimeType != "" && !strings.Contains(asset.MimeType, "mpegurl") && !strings.Contains(asset.MimeType, "dash") {
		return asset.MimeType
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".flac":
		return "audio/flac"
	case ".m4a":
		return "audio/mp4"
	case ".ts":
		return "video/mp2t"
	default:
		if t := mime.TypeByExtension(ext); t != "" {
			return t
		}
	}
	return "application/octet-stream"
}

// Record mirrors a job's file once it finished with fresh bytes. Skipped
// and failed jobs are ignored.
func (m *Mirror) Record(ctx context.Context, job download.JobSnapshot) error {
	if job.Status != download.StatusDone || job.Skipped {
		return nil
	}

	result, err := m.Upload(ctx, job)
	if err != nil {
		return err
	}

	m.log.Debug(ctx, "asset mirrored", logger.Fields{
		"job_id":      job.ID,
		"storage_key": result.StorageKey,
		"is_new":      result.IsNew,
	})
	return nil
}

// Upload stores the job's destination file unless an object with the same
// identity already exists.
func (m *Mirror) Upload(ctx context.Context, job download.JobSnapshot) (*UploadResult, error) {
	identityHash := GenerateIdentityHash(job.Asset.Kind, job.Asset.MediaID)
	key := AssetKey(job)

	exists, err := m.Exists(ctx, key)
	if err != nil {
		return nil, err
	}
	if exists {
		return &UploadResult{StorageKey: key, IdentityHash: identityHash}, nil
	}

	info, err := os.Stat(job.DestinationPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	contentType := ContentType(job.Asset, job.DestinationPath)
	err = apperrors.Retry(ctx, m.retry, func(ctx context.Context) error {
		file, err := os.Open(job.DestinationPath)
		if err != nil {
			return fmt.Errorf("failed to open file: %w", err)
		}
		defer file.Close()

		_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(m.bucket),
			Key:           aws.String(key),
			Body:          file,
			ContentLength: aws.Int64(info.Size()),
			ContentType:   aws.String(contentType),
		})
		if err != nil {
			return apperrors.StorageError("failed to upload asset").WithCause(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	meta, err := json.Marshal(AssetMetadata{
		Kind:       string(job.Asset.Kind),
		MediaID:    job.Asset.MediaID,
		Title:      job.Asset.Title,
		FileName:   filepath.Base(job.DestinationPath),
		Size:       info.Size(),
		BatchID:    job.BatchID,
		JobID:      job.ID,
		MirroredAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(metadataKey(job.Asset.Kind, identityHash)),
		Body:        bytes.NewReader(meta),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		_ = m.Delete(ctx, job.Asset.Kind, identityHash, key)
		return nil, fmt.Errorf("failed to upload metadata: %w", err)
	}

	return &UploadResult{StorageKey: key, IdentityHash: identityHash, IsNew: true}, nil
}

// Exists reports whether key is already stored.
func (m *Mirror) Exists(ctx context.Context, key string) (bool, error) {
	_, err := m.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check existence: %w", err)
	}
	return true, nil
}

func isNotFound(err error) bool {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	return errors.As(err, &notFound) || errors.As(err, &noSuchKey)
}

// Delete removes an asset object and its metadata.
func (m *Mirror) Delete(ctx context.Context, kind download.AssetKind, identityHash, key string) error {
	for _, k := range []string{key, metadataKey(kind, identityHash)} {
		_, err := m.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(m.bucket),
			Key:    aws.String(k),
		})
		if err != nil {
			return fmt.Errorf("failed to delete %s: %w", k, err)
		}
	}
	return nil
}
