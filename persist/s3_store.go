package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const ctxTimeout = 10 * time.Second

// S3Store implements Store on an S3 compatible bucket, one object per key under
// <key_prefix>/<namespace>/.
type S3Store struct {
	client     *minio.Client
	bucketName string
	keyPrefix  string
	namespace  string
}

// S3Config contains the configuration required to connect to S3 (MinIO).
type S3Config struct {
	Endpoint        string `json:"endpoint"`          // The endpoint for the S3 service.
	AccessKeyID     string `json:"access_key_id"`     // The Access Key ID for accessing the S3 service.
	SecretAccessKey string `json:"secret_access_key"` // The Secret Access Key for accessing the S3 service.
	Bucket          string `json:"bucket"`            // The S3 bucket to use.
	KeyPrefix       string `json:"key_prefix"`        // The prefix for keys stored in the bucket.
	UseSSL          bool   `json:"use_ssl"`           // Whether to use SSL for the connection.
	Region          string `json:"region"`            // The region of the bucket.
}

// NewS3Store creates a MinIO client for the given configuration and makes sure
// the bucket exists.
//
// Errors:
//   - Returns an error if the namespace is invalid, if the MinIO client fails to
//     initialize, or if the bucket cannot be found or created.
func NewS3Store(config S3Config, namespace string) (*S3Store, error) {
	if namespace == "" {
		namespace = "default"
	}

	if err := validateNamespace(namespace); err != nil {
		return nil, fmt.Errorf("invalid namespace: %w", err)
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := &S3Store{
		client:     client,
		bucketName: config.Bucket,
		keyPrefix:  config.KeyPrefix,
		namespace:  namespace,
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if err = store.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket exists: %w", err)
	}

	return store, nil
}

// NewS3StoreFromConfig initializes a new S3Store instance from the given StoreConfig.
// It validates the store type and unmarshals the configuration.
func NewS3StoreFromConfig(config StoreConfig, namespace string) (*S3Store, error) {
	if config.Type != StoreTypeS3 {
		return nil, fmt.Errorf("invalid store type for MinIO: %s", config.Type)
	}

	// Parse the config map into S3Config
	configBytes, err := json.Marshal(config.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}

	var s3Config S3Config
	if err = json.Unmarshal(configBytes, &s3Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal S3 config: %w", err)
	}

	return NewS3Store(s3Config, namespace)
}

func (s3s *S3Store) Get(ctx context.Context, key string) (string, bool, error) {
	object, err := s3s.client.GetObject(ctx, s3s.bucketName, s3s.objectName(key), minio.GetObjectOptions{})
	if err != nil {
		if s3s.isNotFoundError(err) {
			return "", false, nil
		}
		return "", false, &BackendError{Operation: "get", Key: key, Err: err}
	}
	defer object.Close()

	// GetObject is lazy; a missing key only surfaces on the first read
	data, err := io.ReadAll(object)
	if err != nil {
		if s3s.isNotFoundError(err) {
			return "", false, nil
		}
		return "", false, &BackendError{Operation: "get", Key: key, Err: err}
	}
	return string(data), true, nil
}

func (s3s *S3Store) Set(ctx context.Context, key, value string) error {
	_, err := s3s.client.PutObject(
		ctx,
		s3s.bucketName,
		s3s.objectName(key),
		strings.NewReader(value),
		int64(len(value)),
		minio.PutObjectOptions{
			ContentType: "application/json",
			UserMetadata: map[string]string{
				"data-type":  "envelope",
				"namespace":  s3s.namespace,
				"updated-at": time.Now().UTC().Format(time.RFC3339),
			},
		},
	)
	if err != nil {
		return &BackendError{Operation: "set", Key: key, Err: err}
	}
	return nil
}

func (s3s *S3Store) Remove(ctx context.Context, key string) error {
	err := s3s.client.RemoveObject(ctx, s3s.bucketName, s3s.objectName(key), minio.RemoveObjectOptions{})
	if err != nil && !s3s.isNotFoundError(err) {
		return &BackendError{Operation: "remove", Key: key, Err: err}
	}
	return nil
}

// Ping tests connectivity by checking the bucket exists.
func (s3s *S3Store) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to ping S3: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s3s.bucketName)
	}
	return nil
}

func (s3s *S3Store) Close() error {
	return nil
}

func (s3s *S3Store) GetType() string {
	return string(StoreTypeS3)
}

// objectName builds <prefix>/<namespace>/<escaped key>, skipping empty parts.
func (s3s *S3Store) objectName(key string) string {
	var parts []string

	if cleanPrefix := strings.Trim(s3s.keyPrefix, "/"); cleanPrefix != "" {
		parts = append(parts, cleanPrefix)
	}
	if s3s.namespace != "" {
		parts = append(parts, s3s.namespace)
	}
	parts = append(parts, url.PathEscape(key))

	return strings.Join(parts, "/")
}

func (s3s *S3Store) ensureBucket(ctx context.Context) error {
	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check if bucket exists: %w", err)
	}

	if !exists {
		err = s3s.client.MakeBucket(ctx, s3s.bucketName, minio.MakeBucketOptions{})
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return nil
}

func (s3s *S3Store) isNotFoundError(err error) bool {
	var errResp minio.ErrorResponse
	if errors.As(err, &errResp) {
		return errResp.Code == "NoSuchKey" || errResp.Code == "NotFound"
	}
	return false
}
