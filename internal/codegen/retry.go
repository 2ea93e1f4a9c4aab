package codegen

import (
	"context"
	"time"

	xerrors "IntentForge-Chain/internal/errors"
)

const (
	retryAttempts = 3
	maxRetryDelay = 8 * time.Second
)

// withRetry 重试可恢复的基础设施错误。业务类错误（分析不合法、
// 脚本编译失败、执行回滚）直接返回，不做重试。
func withRetry[T any](ctx context.Context, baseDelay time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			delay := baseDelay << (attempt - 1)
			if delay > maxRetryDelay {
				delay = maxRetryDelay
			}
			select {
			case <-ctx.Done():
				return zero, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "重试等待被取消")
			case <-time.After(delay):
			}
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !xerrors.RetryableError(err) {
			return zero, err
		}
	}
	return zero, lastErr
}
