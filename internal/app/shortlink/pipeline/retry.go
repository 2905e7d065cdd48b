package pipeline

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"snowlink.local/internal/app/shortlink"
)

// RetryPolicy 指数退避参数。MaxAttempts 包含第一次尝试。
type RetryPolicy struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
}

// DefaultFlushPolicy 批量落库：3 次，100ms 起，翻倍，最多等 5s。
func DefaultFlushPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Initial: 100 * time.Millisecond, Max: 5 * time.Second, Multiplier: 2}
}

// DefaultDLQPolicy 死信补偿：已经耗尽过一轮重试，这里只试 2 次。
func DefaultDLQPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 2, Initial: 200 * time.Millisecond, Max: 5 * time.Second, Multiplier: 2}
}

// retry 执行 op，transient 错误按策略退避重试，fatal 错误立即返回。
func retry(ctx context.Context, p RetryPolicy, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.Max
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0.1

	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := op(); err != nil {
			if shortlink.IsFatal(err) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(attempts)))
	return err
}
