// Package attach issues pre-signed upload and download URLs for the
// encrypted payloads of image and file messages. Message bodies carry only
// the storage key; the blob itself never passes through the core.
package attach

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/kindlyrobotics/haven/kvstore"
)

const (
	uploadExpiry   = 15 * time.Minute
	downloadExpiry = 1 * time.Hour
)

// Attachment is the stored metadata for one uploaded blob.
type Attachment struct {
	ID         uuid.UUID `json:"id"`
	MessageID  uuid.UUID `json:"message_id"`
	StorageKey string    `json:"storage_key"`
	FileName   string    `json:"file_name"`
	FileSize   int64     `json:"file_size"`
	MimeType   string    `json:"mime_type"`
	CreatedAt  time.Time `json:"created_at"`
}

// UploadGrant is a pre-signed PUT URL and the storage key it writes to.
type UploadGrant struct {
	UploadURL  string    `json:"upload_url"`
	StorageKey string    `json:"storage_key"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// DownloadGrant is a pre-signed GET URL.
type DownloadGrant struct {
	DownloadURL string    `json:"download_url"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Service talks to an S3-compatible object store.
type Service struct {
	client *minio.Client
	bucket string
	region string
	store  kvstore.Store
}

// NewService builds the attachment service from S3_* environment variables,
// defaulting to a local MinIO instance.
func NewService(store kvstore.Store) (*Service, error) {
	endpoint := os.Getenv("S3_ENDPOINT")
	if endpoint == "" {
		endpoint = "localhost:9000"
	}
	accessKey := os.Getenv("S3_ACCESS_KEY")
	if accessKey == "" {
		accessKey = "minioadmin"
	}
	secretKey := os.Getenv("S3_SECRET_KEY")
	if secretKey == "" {
		secretKey = "minioadmin"
	}
	bucket := os.Getenv("S3_BUCKET")
	if bucket == "" {
		bucket = "haven-attachments"
	}
	region := os.Getenv("S3_REGION")
	if region == "" {
		region = "us-east-1"
	}
	useSSL := os.Getenv("S3_USE_SSL") == "true"

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}

	if store == nil {
		store = kvstore.NewMemory()
	}

	s := &Service{client: client, bucket: bucket, region: region, store: store}
	if err := s.ensureBucket(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket: %w", err)
	}
	return s, nil
}

func (s *Service) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return err
	}
	if !exists {
		return s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region})
	}
	return nil
}

// GrantUpload issues a pre-signed PUT URL for a new attachment blob under
// the conversation's key space.
func (s *Service) GrantUpload(ctx context.Context, conversationID uuid.UUID, fileName string) (*UploadGrant, error) {
	storageKey := fmt.Sprintf("%s/%s%s", conversationID, uuid.New(), filepath.Ext(fileName))

	presigned, err := s.client.PresignedPutObject(ctx, s.bucket, storageKey, uploadExpiry)
	if err != nil {
		return nil, fmt.Errorf("failed to generate upload URL: %w", err)
	}

	return &UploadGrant{
		UploadURL:  presigned.String(),
		StorageKey: storageKey,
		ExpiresAt:  time.Now().Add(uploadExpiry),
	}, nil
}

// GrantDownload issues a pre-signed GET URL for an existing storage key.
func (s *Service) GrantDownload(ctx context.Context, storageKey string) (*DownloadGrant, error) {
	presigned, err := s.client.PresignedGetObject(ctx, s.bucket, storageKey, downloadExpiry, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to generate download URL: %w", err)
	}

	return &DownloadGrant{
		DownloadURL: presigned.String(),
		ExpiresAt:   time.Now().Add(downloadExpiry),
	}, nil
}

// Record persists attachment metadata once the client confirms the upload.
func (s *Service) Record(ctx context.Context, messageID uuid.UUID, storageKey, fileName string, fileSize int64, mimeType string) (*Attachment, error) {
	att := &Attachment{
		ID:         uuid.New(),
		MessageID:  messageID,
		StorageKey: storageKey,
		FileName:   fileName,
		FileSize:   fileSize,
		MimeType:   mimeType,
		CreatedAt:  time.Now(),
	}

	data, err := json.Marshal(att)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize attachment: %w", err)
	}
	key := fmt.Sprintf("attach/%s/%s", messageID, att.ID)
	if err := s.store.Save(ctx, key, data); err != nil {
		return nil, fmt.Errorf("failed to persist attachment: %w", err)
	}

	return att, nil
}
