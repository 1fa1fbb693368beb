// internal/dataset/minio.go
package dataset

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/fyrsmithlabs/trainloop/internal/task"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig configures the manifest store.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	Secure    bool
}

// maxManifestSize guards against reading arbitrary objects as manifests.
const maxManifestSize = 64 * 1024

// MinioStore stores one JSON manifest per dataset under Prefix in Bucket.
// The dataset payload itself lives wherever Location points.
type MinioStore struct {
	client *minio.Client
	bucket string
	prefix string
	now    func() time.Time
}

var (
	_ Store  = (*MinioStore)(nil)
	_ Seeder = (*MinioStore)(nil)
)

// NewMinioStore connects to MinIO and makes sure the bucket exists.
func NewMinioStore(ctx context.Context, cfg MinioConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err)
		}
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "datasets"
	}
	return &MinioStore{client: client, bucket: cfg.Bucket, prefix: prefix, now: time.Now}, nil
}

func (s *MinioStore) objectName(ref string) string {
	return path.Join(s.prefix, ref+".json")
}

func (s *MinioStore) Lookup(ctx context.Context, ref string) (*Dataset, error) {
	if err := validateRef(ref); err != nil {
		return nil, task.ErrDatasetNotFound
	}
	obj, err := s.client.GetObject(ctx, s.bucket, s.objectName(ref), minio.GetObjectOptions{})
	if err != nil {
		return nil, s.mapError(ref, err)
	}
	defer obj.Close()

	body, err := io.ReadAll(io.LimitReader(obj, maxManifestSize+1))
	if err != nil {
		return nil, s.mapError(ref, err)
	}
	if len(body) > maxManifestSize {
		return nil, fmt.Errorf("manifest for %s exceeds %d bytes", ref, maxManifestSize)
	}

	var d Dataset
	if err := json.Unmarshal(body, &d); err != nil {
		return nil, fmt.Errorf("decode manifest for %s: %w", ref, err)
	}
	return &d, nil
}

func (s *MinioStore) mapError(ref string, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return task.ErrDatasetNotFound
	}
	return fmt.Errorf("read manifest for %s: %w", ref, err)
}

func (s *MinioStore) Register(ctx context.Context, ref, location, sourceRef string) (*Dataset, error) {
	if err := validateRef(ref); err != nil {
		return nil, err
	}
	d := Dataset{
		Ref:       ref,
		Location:  location,
		Domain:    inheritDomain(ctx, s, sourceRef),
		SourceRef: sourceRef,
		CreatedAt: s.now().UTC(),
	}
	if err := s.write(ctx, d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *MinioStore) Put(ctx context.Context, d Dataset) error {
	if err := validateRef(d.Ref); err != nil {
		return err
	}
	if d.Domain == "" {
		d.Domain = DefaultDomain
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now().UTC()
	}
	return s.write(ctx, d)
}

func (s *MinioStore) write(ctx context.Context, d Dataset) error {
	body, err := json.Marshal(d)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, s.bucket, s.objectName(d.Ref), bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("write manifest for %s: %w", d.Ref, err)
	}
	return nil
}
