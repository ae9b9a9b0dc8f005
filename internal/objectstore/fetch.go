package objectstore

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultBackoff returns the retry schedule used for archive downloads.
// Every failure is treated as transient until the elapsed budget runs out.
func DefaultBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 5 * time.Minute
	return b
}

// Download fetches the full object body for key, retrying transient failures
// with the default exponential backoff.
func Download(ctx context.Context, store Store, key string) ([]byte, error) {
	return DownloadWithBackoff(ctx, store, key, DefaultBackoff())
}

// DownloadWithBackoff is Download with an injectable retry schedule.
func DownloadWithBackoff(ctx context.Context, store Store, key string, b backoff.BackOff) ([]byte, error) {
	var data []byte
	operation := func() error {
		var err error
		data, err = store.Get(ctx, key)
		return err
	}
	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", key, err)
	}
	return data, nil
}
