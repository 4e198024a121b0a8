package health

import (
	"context"
	"runtime"
	"time"

	"github.com/go-faster/errors"
)

// Pinger is implemented by connection pools and clients that can verify a
// round trip to their server.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck adapts a Pinger to a CheckFunc.
func PingCheck(p Pinger) CheckFunc {
	return func(ctx context.Context) error {
		if err := p.Ping(ctx); err != nil {
			return errors.Wrap(err, "ping")
		}
		return nil
	}
}

// GoroutineCountCheck fails when the goroutine count exceeds threshold. A
// steady climb usually means effect dispatches are piling up.
func GoroutineCountCheck(threshold int) CheckFunc {
	return func(_ context.Context) error {
		if n := runtime.NumGoroutine(); n > threshold {
			return errors.Errorf("goroutine count %d exceeds threshold %d", n, threshold)
		}
		return nil
	}
}

// StalenessCheck fails when last reports a time older than maxAge. It guards
// background loops such as the blacklist refresher.
func StalenessCheck(last func() time.Time, maxAge time.Duration) CheckFunc {
	return func(_ context.Context) error {
		t := last()
		if t.IsZero() {
			return errors.New("never ran")
		}
		if age := time.Since(t); age > maxAge {
			return errors.Errorf("last run %s ago exceeds %s", age.Truncate(time.Second), maxAge)
		}
		return nil
	}
}
