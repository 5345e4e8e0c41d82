package backend

import (
	"context"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// WaitReady runs probe until it succeeds or cfg.ConnectRetries attempts are used.
// Rejected credentials are not retried. The final failure is always KindConnection.
func WaitReady(ctx context.Context, cfg Config, op string, probe func(ctx context.Context) error) error {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	attempts := cfg.ConnectRetries
	if attempts == 0 {
		attempts = 1
	}
	err := retry.Do(
		func() error {
			return probe(ctx)
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(cfg.ConnectBackoff),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, ErrAuthRejected)
		}),
		retry.OnRetry(func(n uint, err error) {
			logger.Info("Backend not ready", zap.String("op", op), zap.Uint("attempt", n+1), zap.Error(err))
		}),
	)
	if err != nil {
		if KindOf(err) == KindConnection {
			return err
		}
		return NewConnectionError(op, err)
	}
	return nil
}
