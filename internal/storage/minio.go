// Package storage stores screenshot uploads in an S3-compatible object store
// and hands back publicly resolvable URLs.
package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrUnsupportedType rejects uploads outside the image allowlist.
var ErrUnsupportedType = errors.New("unsupported content type")

// allowedContentTypes is the screenshot upload allowlist.
var allowedContentTypes = map[string]string{
	"image/png":  "png",
	"image/jpeg": "jpg",
	"image/gif":  "gif",
	"image/webp": "webp",
}

type Config struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	UseSSL        bool
	Bucket        string
	PublicBaseURL string
}

// Service wraps a MinIO client for one screenshot bucket.
type Service struct {
	client  *minio.Client
	bucket  string
	baseURL string
}

// UploadResult points at the stored object.
type UploadResult struct {
	URL        string `json:"url"`
	ObjectName string `json:"objectName"`
}

// NewService connects to the object store and ensures the screenshot bucket
// exists with anonymous read access (stored URLs are embedded directly in
// feed responses).
func NewService(ctx context.Context, cfg Config) (*Service, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	s := &Service{
		client:  client,
		bucket:  cfg.Bucket,
		baseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
	}
	if s.baseURL == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		s.baseURL = scheme + "://" + cfg.Endpoint
	}

	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("make bucket: %w", err)
		}
	}

	policy := fmt.Sprintf(`{
		"Version": "2012-10-17",
		"Statement": [{
			"Effect": "Allow",
			"Principal": {"AWS": ["*"]},
			"Action": ["s3:GetObject"],
			"Resource": ["arn:aws:s3:::%s/*"]
		}]
	}`, s.bucket)
	if err := s.client.SetBucketPolicy(ctx, s.bucket, policy); err != nil {
		// Policy failures are not fatal; some deployments manage policies externally.
		log.Printf("storage: set bucket policy: %v", err)
	}
	return nil
}

// Upload stores one screenshot and returns its public URL. There is no retry;
// failures surface to the initiating user.
func (s *Service) Upload(ctx context.Context, reader io.Reader, size int64, originalName, contentType string) (UploadResult, error) {
	ext, ok := allowedContentTypes[contentType]
	if !ok {
		return UploadResult{}, fmt.Errorf("%w %q", ErrUnsupportedType, contentType)
	}
	if fromName := extensionOf(originalName); fromName != "" {
		ext = fromName
	}

	objectName := GenerateObjectName(ext)
	_, err := s.client.PutObject(ctx, s.bucket, objectName, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return UploadResult{}, fmt.Errorf("put object: %w", err)
	}

	return UploadResult{
		URL:        s.baseURL + "/" + s.bucket + "/" + objectName,
		ObjectName: objectName,
	}, nil
}

// Ping verifies the object store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucket)
	return err
}

// GenerateObjectName builds a unique object name: {unix-millis}-{random}.{ext}.
func GenerateObjectName(ext string) string {
	suffix := make([]byte, 4)
	_, _ = rand.Read(suffix)
	return fmt.Sprintf("%d-%s.%s", time.Now().UnixMilli(), hex.EncodeToString(suffix), ext)
}

func extensionOf(name string) string {
	ext := strings.TrimPrefix(path.Ext(name), ".")
	ext = strings.ToLower(ext)
	switch ext {
	case "png", "jpg", "jpeg", "gif", "webp":
		return ext
	default:
		return ""
	}
}
