package receipts

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/anumate/control-plane/pkg/errs"
)

// Sink is an append-only export target. Put must refuse to overwrite an
// existing object; Get fetches a previously exported copy for comparison.
type Sink interface {
	Put(ctx context.Context, key string, body []byte) (uri string, err error)
	Get(ctx context.Context, uri string) ([]byte, error)
}

// FileSink exports receipts to a local directory, read-only once written.
type FileSink struct {
	dir string
}

func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.Wrap(errs.KindInternal, "WORM_INIT_FAILED", "create "+dir, err)
	}
	return &FileSink{dir: dir}, nil
}

func (s *FileSink) Put(ctx context.Context, key string, body []byte) (string, error) {
	path := filepath.Join(s.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", errs.Wrap(errs.KindInternal, "WORM_WRITE_FAILED", "create parent dir", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o444)
	if err != nil {
		if os.IsExist(err) {
			return "", errs.New(errs.KindConflict, "WORM_EXISTS", "object already written")
		}
		return "", errs.Wrap(errs.KindInternal, "WORM_WRITE_FAILED", "open "+path, err)
	}
	defer f.Close()
	if _, err := f.Write(body); err != nil {
		return "", errs.Wrap(errs.KindInternal, "WORM_WRITE_FAILED", "write "+path, err)
	}
	return "file://" + path, nil
}

func (s *FileSink) Get(ctx context.Context, uri string) ([]byte, error) {
	path := strings.TrimPrefix(uri, "file://")
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindNotFound, "WORM_NOT_FOUND", "read "+path, err)
	}
	return body, nil
}

// S3API is the slice of the S3 client the sink needs.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Sink exports receipts to an S3 bucket. If-None-Match guards against
// overwrite; pair it with bucket object-lock for full WORM semantics.
type S3Sink struct {
	client S3API
	bucket string
	prefix string
}

func NewS3Sink(client S3API, bucket, prefix string) *S3Sink {
	return &S3Sink{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (s *S3Sink) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *S3Sink) Put(ctx context.Context, key string, body []byte) (string, error) {
	objectKey := s.objectKey(key)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objectKey),
		Body:        bytes.NewReader(body),
		IfNoneMatch: aws.String("*"),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		if strings.Contains(err.Error(), "PreconditionFailed") {
			return "", errs.New(errs.KindConflict, "WORM_EXISTS", "object already written")
		}
		return "", errs.Wrap(errs.KindTransient, "WORM_WRITE_FAILED", "put s3 object", err)
	}
	return "s3://" + s.bucket + "/" + objectKey, nil
}

func (s *S3Sink) Get(ctx context.Context, uri string) ([]byte, error) {
	trimmed := strings.TrimPrefix(uri, "s3://")
	bucket, key, ok := strings.Cut(trimmed, "/")
	if !ok {
		return nil, errs.New(errs.KindValidation, "WORM_URI_INVALID", "malformed s3 uri")
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "WORM_NOT_FOUND", "get s3 object", err)
	}
	defer out.Body.Close()
	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "WORM_READ_FAILED", "read s3 object", err)
	}
	return body, nil
}
