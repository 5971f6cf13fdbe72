package lake

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// Sink receives finished parquet files.
type Sink interface {
	// Overwrite removes every object previously written for table.
	Overwrite(ctx context.Context, table string) error
	// Publish copies the local file at path to key.
	Publish(ctx context.Context, key, path string, rows int) error
}

// LocalSink writes below the directory Root.
type LocalSink struct {
	Root string
}

func (s LocalSink) Overwrite(_ context.Context, table string) error {
	if err := os.RemoveAll(filepath.Join(s.Root, table)); err != nil {
		return fmt.Errorf("lake: overwrite %s: %w", table, err)
	}
	return nil
}

func (s LocalSink) Publish(_ context.Context, key, path string, _ int) error {
	dst := filepath.Join(s.Root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("lake: publish %s: %w", key, err)
	}
	return out.Close()
}

// S3Sink uploads below Prefix in Bucket.
type S3Sink struct {
	Client   s3iface.S3API
	Uploader *s3manager.Uploader
	Bucket   string
	Prefix   string
}

// NewS3Sink returns a sink for an s3:// location.
func NewS3Sink(client s3iface.S3API, loc string) (*S3Sink, error) {
	bucket, prefix, ok := ParseLocation(loc)
	if !ok || bucket == "" {
		return nil, fmt.Errorf("lake: not an s3 location: %q", loc)
	}
	return &S3Sink{
		Client:   client,
		Uploader: s3manager.NewUploaderWithClient(client),
		Bucket:   bucket,
		Prefix:   prefix,
	}, nil
}

func (s *S3Sink) Overwrite(ctx context.Context, table string) error {
	iter := s3manager.NewDeleteListIterator(s.Client, &s3.ListObjectsInput{
		Bucket: aws.String(s.Bucket),
		Prefix: aws.String(s.Prefix + table + "/"),
	})
	if err := s3manager.NewBatchDeleteWithClient(s.Client).Delete(ctx, iter); err != nil {
		return fmt.Errorf("lake: overwrite s3://%s/%s%s: %w", s.Bucket, s.Prefix, table, err)
	}
	return nil
}

func (s *S3Sink) Publish(ctx context.Context, key, path string, rows int) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = s.Uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Prefix + key),
		Body:   f,
		Metadata: map[string]*string{
			"record-count": aws.String(strconv.Itoa(rows)),
		},
	})
	if err != nil {
		return fmt.Errorf("lake: upload %s: %w", key, err)
	}
	return nil
}
