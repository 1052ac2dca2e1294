package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/goccy/go-json"

	"github.com/stratapipe/strata/pkg/models"
)

// S3Backend stores partitions as objects under bucket/prefix. Partition
// atomicity relies on S3's per-object atomic PUT plus metadata-last
// ordering: readers list partitions through their metadata object, which
// is written after all data files.
type S3Backend struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

var _ Backend = (*S3Backend)(nil)

// S3Config configures an S3 backend.
type S3Config struct {
	Bucket string
	Prefix string
	Region string
	// Endpoint overrides the S3 endpoint for S3-compatible stores
	Endpoint string
}

// NewS3Backend creates an S3 backend using the default AWS credential
// chain.
func NewS3Backend(ctx context.Context, cfg S3Config) (*S3Backend, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Backend{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
		prefix:   strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func (b *S3Backend) key(parts ...string) string {
	all := append([]string{b.prefix}, parts...)
	return strings.TrimPrefix(path.Join(all...), "/")
}

// WritePartition uploads all data files, then the manifest, then the
// metadata object last so listings only surface complete partitions.
func (b *S3Backend) WritePartition(ctx context.Context, partitionPath string, files FileSet) error {
	ordered := make([]string, 0, len(files))
	for name := range files {
		if name == MetadataFile {
			continue
		}
		ordered = append(ordered, name)
	}
	sort.Strings(ordered)
	if _, ok := files[MetadataFile]; ok {
		ordered = append(ordered, MetadataFile)
	}

	for _, name := range ordered {
		_, err := b.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(b.bucket),
			Key:         aws.String(b.key(partitionPath, name)),
			Body:        bytes.NewReader(files[name]),
			ContentType: aws.String(contentType(name)),
		})
		if err != nil {
			return fmt.Errorf("failed to upload %s: %w", name, err)
		}
	}
	return nil
}

// DeletePartition removes every object under the partition path.
func (b *S3Backend) DeletePartition(ctx context.Context, partitionPath string) error {
	prefix := b.key(partitionPath) + "/"

	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("failed to list partition %s for delete: %w", partitionPath, err)
		}
		if len(page.Contents) == 0 {
			continue
		}
		objects := make([]s3types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			objects = append(objects, s3types.ObjectIdentifier{Key: obj.Key})
		}
		_, err = b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(b.bucket),
			Delete: &s3types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("failed to delete partition %s: %w", partitionPath, err)
		}
	}
	return nil
}

// ReadPartition downloads all objects under the partition path.
func (b *S3Backend) ReadPartition(ctx context.Context, partitionPath string) (FileSet, error) {
	prefix := b.key(partitionPath) + "/"

	files := make(FileSet)
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list partition %s: %w", partitionPath, err)
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if name == "" || strings.Contains(name, "/") {
				continue
			}
			content, err := b.getObject(ctx, aws.ToString(obj.Key))
			if err != nil {
				return nil, err
			}
			files[name] = content
		}
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("partition %s not found", partitionPath)
	}
	return files, nil
}

// ListPartitions lists Bronze date prefixes for (system, entity) and
// reads each partition's metadata object.
func (b *S3Backend) ListPartitions(ctx context.Context, system, entity string) ([]PartitionInfo, error) {
	prefix := b.key(LayerBronze, system, entity) + "/"

	var parts []PartitionInfo
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(b.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list partitions for %s/%s: %w", system, entity, err)
		}
		for _, cp := range page.CommonPrefixes {
			date := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			content, err := b.getObject(ctx, aws.ToString(cp.Prefix)+MetadataFile)
			if err != nil {
				// Incomplete partition (metadata written last); skip
				continue
			}
			var meta models.PartitionMetadata
			if err := json.Unmarshal(content, &meta); err != nil {
				continue
			}
			parts = append(parts, PartitionInfo{
				System:      system,
				Entity:      entity,
				Date:        date,
				LoadPattern: meta.LoadPattern,
				RecordCount: meta.RecordCount,
				Metadata:    meta,
			})
		}
	}

	sort.Slice(parts, func(i, j int) bool { return parts[i].Date < parts[j].Date })
	return parts, nil
}

func (b *S3Backend) getObject(ctx context.Context, key string) ([]byte, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func contentType(name string) string {
	switch {
	case strings.HasSuffix(name, ".json.gz"):
		return "application/gzip"
	case strings.HasSuffix(name, ".json"):
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
