package lake

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"sparkify/internal/discover"
)

// ObjectSource lists and opens input objects by slash-separated key.
type ObjectSource interface {
	// Glob returns the keys matching pattern in lexical order. '*' never crosses '/'.
	Glob(ctx context.Context, pattern string) ([]string, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// ParseLocation splits an s3://, s3a:// or s3n:// URL into bucket and key
// prefix. The prefix is empty or ends with '/'. ok is false for local paths.
func ParseLocation(loc string) (bucket, prefix string, ok bool) {
	for _, scheme := range []string{"s3://", "s3a://", "s3n://"} {
		if rest, found := strings.CutPrefix(loc, scheme); found {
			bucket, prefix, _ = strings.Cut(rest, "/")
			if prefix != "" && !strings.HasSuffix(prefix, "/") {
				prefix += "/"
			}
			return bucket, prefix, true
		}
	}
	return "", "", false
}

// LocalSource reads objects from a directory tree rooted at Root.
type LocalSource struct {
	Root string
}

func (s LocalSource) Glob(_ context.Context, pattern string) ([]string, error) {
	paths, err := discover.Files(s.Root, "")
	if err != nil {
		return nil, err
	}
	root, err := filepath.Abs(s.Root)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(paths))
	for _, p := range paths {
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return nil, err
		}
		keys = append(keys, filepath.ToSlash(rel))
	}
	sort.Strings(keys)
	return discover.MatchGlob(keys, pattern), nil
}

func (s LocalSource) Open(_ context.Context, key string) (io.ReadCloser, error) {
	return os.Open(filepath.Join(s.Root, filepath.FromSlash(key)))
}

// S3Source reads objects below Prefix in Bucket. Keys passed to and returned
// from its methods are relative to Prefix.
type S3Source struct {
	Client     s3iface.S3API
	Downloader *s3manager.Downloader
	Bucket     string
	Prefix     string
}

// NewS3Source returns a source for an s3:// location.
func NewS3Source(client s3iface.S3API, loc string) (*S3Source, error) {
	bucket, prefix, ok := ParseLocation(loc)
	if !ok || bucket == "" {
		return nil, fmt.Errorf("lake: not an s3 location: %q", loc)
	}
	return &S3Source{
		Client:     client,
		Downloader: s3manager.NewDownloaderWithClient(client),
		Bucket:     bucket,
		Prefix:     prefix,
	}, nil
}

func (s *S3Source) Glob(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	err := s.Client.ListObjectsPagesWithContext(ctx,
		&s3.ListObjectsInput{
			Bucket: aws.String(s.Bucket),
			Prefix: aws.String(s.Prefix + discover.StaticPrefix(pattern)),
		},
		func(page *s3.ListObjectsOutput, lastPage bool) bool {
			for _, obj := range page.Contents {
				keys = append(keys, strings.TrimPrefix(aws.StringValue(obj.Key), s.Prefix))
			}
			return !lastPage
		})
	if err != nil {
		return nil, fmt.Errorf("lake: list s3://%s/%s: %w", s.Bucket, s.Prefix, err)
	}
	sort.Strings(keys)
	return discover.MatchGlob(keys, pattern), nil
}

func (s *S3Source) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	buf := &aws.WriteAtBuffer{}
	_, err := s.Downloader.DownloadWithContext(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Prefix + key),
	})
	if err != nil {
		return nil, fmt.Errorf("lake: download %s: %w", key, err)
	}
	return io.NopCloser(bytes.NewReader(buf.Bytes())), nil
}
