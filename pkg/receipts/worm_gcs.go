//go:build gcp

package receipts

import (
	"context"
	"io"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/anumate/control-plane/pkg/errs"
)

// GCSSink exports receipts to a Google Cloud Storage bucket. The
// DoesNotExist precondition keeps objects write-once; pair the bucket with
// a retention policy for full WORM semantics.
type GCSSink struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSSink builds a sink against a bucket. The client uses ADC.
func NewGCSSink(ctx context.Context, bucket, prefix string) (Sink, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "WORM_INIT_FAILED", "gcs client", err)
	}
	return &GCSSink{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

func (s *GCSSink) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *GCSSink) Put(ctx context.Context, key string, body []byte) (string, error) {
	objectKey := s.objectKey(key)
	obj := s.client.Bucket(s.bucket).Object(objectKey).If(storage.Conditions{DoesNotExist: true})

	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return "", errs.Wrap(errs.KindTransient, "WORM_WRITE_FAILED", "gcs write", err)
	}
	if err := w.Close(); err != nil {
		if strings.Contains(err.Error(), "conditionNotMet") || strings.Contains(err.Error(), "412") {
			return "", errs.New(errs.KindConflict, "WORM_EXISTS", "object already written")
		}
		return "", errs.Wrap(errs.KindTransient, "WORM_WRITE_FAILED", "gcs close", err)
	}
	return "gs://" + s.bucket + "/" + objectKey, nil
}

func (s *GCSSink) Get(ctx context.Context, uri string) ([]byte, error) {
	trimmed := strings.TrimPrefix(uri, "gs://")
	bucket, key, ok := strings.Cut(trimmed, "/")
	if !ok {
		return nil, errs.New(errs.KindValidation, "WORM_URI_INVALID", "malformed gcs uri")
	}
	r, err := s.client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "WORM_NOT_FOUND", "gcs read", err)
	}
	defer r.Close()
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "WORM_READ_FAILED", "gcs read body", err)
	}
	return body, nil
}
