package monitor

import (
	"context"
	"log/slog"
	"time"
)

const defaultPollInterval = 8 * time.Second

// Fetcher returns the raw /metrics body. *client.RESTClient implements it.
type Fetcher interface {
	FetchMetrics(ctx context.Context) ([]byte, error)
}

// StartPoller refreshes store at a fixed cadence until ctx ends. It returns
// immediately.
func StartPoller(ctx context.Context, store *Store, fetcher Fetcher, interval time.Duration) {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			Refresh(ctx, store, fetcher)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Refresh performs one scrape.
func Refresh(ctx context.Context, store *Store, fetcher Fetcher) {
	data, err := fetcher.FetchMetrics(ctx)
	if err != nil {
		store.Update(nil, err)
		slog.Debug("Metrics poll failed", "error", err)
		return
	}
	m, err := ParseMetricsBytes(data)
	if err != nil {
		store.Update(nil, err)
		slog.Debug("Metrics parse failed", "error", err)
		return
	}
	store.Update(&m, nil)
}
