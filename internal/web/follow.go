package web

import (
	"context"
	"net/http"

	"github.com/pkg/errors"

	"github.com/vadiminshakov/flashvault/internal/domain"
	"github.com/vadiminshakov/flashvault/pkg/retrier"
)

// ErrStreamClosed reports a stream that the server ended.
var ErrStreamClosed = errors.New("event stream closed by server")

// Follow keeps sub open until ctx is cancelled, resuming after the last
// received record whenever the stream drops. Reconnects spend the budget of
// a retrier from newRetrier; a stream that delivered records starts a fresh
// budget, so only consecutive failures count. onDrop, if set, sees every
// dropped stream. An error from fn stops Follow without a retry.
// The returned subscription points after the last delivered record.
func Follow(
	ctx context.Context,
	client *http.Client,
	sub Subscription,
	newRetrier func() *retrier.Retrier,
	onDrop func(after uint64, err error),
	fn func(domain.VaultEventRecord) error,
) (Subscription, error) {
	var handlerErr error
	for {
		delivered := false
		err := newRetrier().Do(ctx, func(ctx context.Context) error {
			err := Subscribe(ctx, client, sub, func(rec domain.VaultEventRecord) error {
				if err := fn(rec); err != nil {
					handlerErr = err
					return err
				}
				sub.After = rec.Index
				delivered = true
				return nil
			})
			if handlerErr != nil || ctx.Err() != nil {
				return nil
			}
			if err == nil {
				err = ErrStreamClosed
			}
			if onDrop != nil {
				onDrop(sub.After, err)
			}
			if delivered {
				return nil
			}
			return err
		})
		if handlerErr != nil {
			return sub, handlerErr
		}
		if ctx.Err() != nil {
			return sub, nil
		}
		if err != nil {
			return sub, err
		}
	}
}
