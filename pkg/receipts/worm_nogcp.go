//go:build !gcp

package receipts

import (
	"context"

	"github.com/anumate/control-plane/pkg/errs"
)

func NewGCSSink(ctx context.Context, bucket, prefix string) (Sink, error) {
	return nil, errs.New(errs.KindValidation, "WORM_UNAVAILABLE",
		"GCS export is not enabled in this build (use -tags gcp)")
}
