package s3

import (
	"bytes"
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStorageClient is the subset of object storage used by the frame archive.
type ObjectStorageClient interface {
	Connect(ctx context.Context, endpoint, accessKeyID, secretAccessKey string, useSSL bool) error
	EnsureBucket(ctx context.Context, bucketName, region string) error
	PutObject(ctx context.Context, bucketName, objectName string, data []byte, contentType string) (int64, error)
}

// ObjectStorage holds the minio client instance.
type ObjectStorage struct {
	Conn *minio.Client
}

// NewObjectStorage returns an unconnected client.
func NewObjectStorage() *ObjectStorage {
	return &ObjectStorage{}
}

// Connect establishes the object storage connection using client
func (o *ObjectStorage) Connect(ctx context.Context, endpoint, accessKeyID, secretAccessKey string, useSSL bool) error {
	var err error
	o.Conn, err = minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKeyID, secretAccessKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return fmt.Errorf("failed to create minio client: %w", err)
	}

	// Check connection by listing buckets
	if _, err = o.Conn.ListBuckets(ctx); err != nil {
		return fmt.Errorf("failed to establish minio connection: %w", err)
	}

	return nil
}

// EnsureBucket creates bucketName unless it already exists.
func (o *ObjectStorage) EnsureBucket(ctx context.Context, bucketName, region string) error {
	err := o.Conn.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{Region: region})
	if err == nil {
		return nil
	}

	exists, errBucketExists := o.Conn.BucketExists(ctx, bucketName)
	if errBucketExists == nil && exists {
		return nil
	}
	return fmt.Errorf("failed to create bucket %s: %w", bucketName, err)
}

// PutObject uploads data, overwriting any object with the same name, and returns
// the stored size.
func (o *ObjectStorage) PutObject(ctx context.Context, bucketName, objectName string, data []byte, contentType string) (int64, error) {
	info, err := o.Conn.PutObject(ctx, bucketName, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to upload %s/%s: %w", bucketName, objectName, err)
	}
	return info.Size, nil
}
