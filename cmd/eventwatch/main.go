// Command eventwatch follows the vault event journal exposed by a running
// flashvault process and logs every committed operation. Dropped streams are
// resumed after the last received event.
//
// Usage:
//
//	eventwatch --url http://localhost:8080 --pair ETH_USDC
package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/vadiminshakov/flashvault/internal/domain"
	"github.com/vadiminshakov/flashvault/internal/web"
	"github.com/vadiminshakov/flashvault/pkg/retrier"
)

func main() {
	var (
		baseURL      string
		pair         string
		after        uint64
		testDuration time.Duration
		retries      int
	)

	flag.StringVar(&baseURL, "url", "http://localhost:8080", "flashvault monitoring address")
	flag.StringVar(&pair, "pair", "", "only follow this vault pair, example: ETH_USDC")
	flag.Uint64Var(&after, "after", 0, "resume after this journal index")
	flag.DurationVar(&testDuration, "dur", 0, "watch duration (0 for until interrupted)")
	flag.IntVar(&retries, "retries", 10, "consecutive failed reconnects before giving up; a stream that delivers events resets the count")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if testDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, testDuration)
		defer cancel()
	}

	client := &http.Client{
		Transport: &http.Transport{
			DisableCompression: true,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
		},
		Timeout: 0, // streaming
	}

	sub := web.Subscription{BaseURL: baseURL, Pair: pair, After: after}
	newRetrier := func() *retrier.Retrier {
		return retrier.New(retrier.WithMaxRetries(retries), retrier.WithMaxInterval(10*time.Second))
	}
	onDrop := func(after uint64, err error) {
		logger.Warn("event stream dropped, reconnecting", zap.Uint64("after", after), zap.Error(err))
	}

	var received int
	sub, err := web.Follow(ctx, client, sub, newRetrier, onDrop, func(rec domain.VaultEventRecord) error {
		received++
		logger.Info("vault event",
			zap.Uint64("index", rec.Index),
			zap.String("pair", rec.Event.Pair),
			zap.String("type", string(rec.Event.Type)),
			zap.Uint64("block", rec.Event.Block),
			zap.String("user", rec.Event.User),
			zap.String("provider", rec.Event.Provider),
			zap.String("amount", rec.Event.Amount.String()),
			zap.String("index_after", rec.Event.Index.String()))
		return nil
	})
	if err != nil {
		logger.Fatal("event stream lost", zap.Int("received", received), zap.Error(err))
	}
	logger.Info("done", zap.Int("received", received), zap.Uint64("last_index", sub.After))
}
