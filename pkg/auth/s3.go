package auth

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config locates the bundle in an S3 compatible bucket.
type S3Config struct {
	Endpoint      string
	Bucket        string
	Key           string
	Region        string
	AccessKeyFile string
	SecretKeyFile string
}

// S3Store keeps the bundle as an object in S3 compatible storage.
type S3Store struct {
	client *minio.Client
	bucket string
	key    string
}

func NewS3Store(cfg S3Config) (*S3Store, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	bucket := strings.TrimSpace(cfg.Bucket)
	if endpoint == "" || bucket == "" || cfg.AccessKeyFile == "" || cfg.SecretKeyFile == "" {
		return nil, fmt.Errorf("missing s3 token store configuration")
	}

	accessKey, err := readSecretFile(cfg.AccessKeyFile)
	if err != nil {
		return nil, fmt.Errorf("read s3 access key: %w", err)
	}
	secretKey, err := readSecretFile(cfg.SecretKeyFile)
	if err != nil {
		return nil, fmt.Errorf("read s3 secret key: %w", err)
	}

	host, secure, err := parseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}

	client, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
		Region: strings.TrimSpace(cfg.Region),
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}

	key := strings.TrimSpace(cfg.Key)
	if key == "" {
		key = "emporiasync/tokens.json"
	}
	return &S3Store{client: client, bucket: bucket, key: key}, nil
}

func (s *S3Store) Load(ctx context.Context) (Bundle, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.key, minio.GetObjectOptions{})
	if err != nil {
		return Bundle{}, s.wrapError(err)
	}
	defer obj.Close()

	if _, err := obj.Stat(); err != nil {
		return Bundle{}, s.wrapError(err)
	}

	data, err := io.ReadAll(obj)
	if err != nil {
		return Bundle{}, fmt.Errorf("read s3 bundle: %w", err)
	}
	return decodeBundle(data)
}

func (s *S3Store) Save(ctx context.Context, b Bundle) error {
	data, err := jsonBundle(b)
	if err != nil {
		return err
	}
	reader := bytes.NewReader(data)
	_, err = s.client.PutObject(ctx, s.bucket, s.key, reader, int64(reader.Len()), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return s.wrapError(err)
	}
	return nil
}

func (s *S3Store) wrapError(err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return ErrBundleNotFound
	}
	return err
}

func parseEndpoint(raw string) (string, bool, error) {
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", false, fmt.Errorf("parse endpoint: %w", err)
		}
		if u.Host == "" {
			return "", false, fmt.Errorf("invalid endpoint: %q", raw)
		}
		return u.Host, u.Scheme == "https", nil
	}
	return raw, true, nil
}

func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
