package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"oip/recon/pkg/errorutil"
	"oip/recon/pkg/logger"
)

// Policy 重试策略（有界指数退避）
type Policy struct {
	BaseDelay   time.Duration // 首次退避
	MaxDelay    time.Duration // 单次退避上限
	MaxAttempts int           // 最大尝试次数（含首次）
	CallTimeout time.Duration // 单次调用超时
}

// DefaultPolicy 默认重试策略
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		MaxAttempts: 5,
		CallTimeout: 3 * time.Second,
	}
}

// Retryer 对存储/队列调用做超时 + 退避重试
type Retryer struct {
	policy Policy
	logger logger.Logger
}

// NewRetryer 创建 Retryer
func NewRetryer(policy Policy, log logger.Logger) *Retryer {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	return &Retryer{
		policy: policy,
		logger: log,
	}
}

// Permanent 标记不可重试错误，Do 会立即返回该错误
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do 执行 fn，失败后按指数退避重试
// 重试耗尽（或上游 ctx 结束）时返回 SYSTEM_ISSUE 类错误；不可重试错误原样返回
func (r *Retryer) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = r.policy.BaseDelay
	exp.MaxInterval = r.policy.MaxDelay
	exp.MaxElapsedTime = 0

	var bo backoff.BackOff = backoff.WithMaxRetries(exp, uint64(r.policy.MaxAttempts-1))
	bo = backoff.WithContext(bo, ctx)

	attempts := 0
	var lastErr error
	permanent := false

	operation := func() error {
		attempts++
		callCtx := ctx
		if r.policy.CallTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, r.policy.CallTimeout)
			defer cancel()
		}

		err := fn(callCtx)
		if err == nil {
			return nil
		}
		lastErr = err

		// 输入类错误不重试
		var pe *backoff.PermanentError
		var ue *errorutil.Error
		if errors.As(err, &pe) || (errors.As(err, &ue) && !ue.Retryable) {
			permanent = true
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		r.logger.Warnf(ctx, "[Retry] %s attempt %d failed: %v, next in %v", op, attempts, err, wait)
	}

	err := backoff.RetryNotify(operation, bo, notify)
	if err == nil {
		return nil
	}
	if permanent {
		return err
	}
	if lastErr == nil {
		lastErr = err
	}

	r.logger.Errorf(ctx, "[Retry] %s exhausted after %d attempts: %v", op, attempts, lastErr)
	return errorutil.SystemIssue(fmt.Sprintf("%s failed after %d attempts", op, attempts), lastErr)
}

type deliveryAttemptKey struct{}

// WithDeliveryAttempt 记录当前消息的投递次数（从 1 开始），供业务判断是否该停止让队列重投
func WithDeliveryAttempt(ctx context.Context, attempt int) context.Context {
	return context.WithValue(ctx, deliveryAttemptKey{}, attempt)
}

// DeliveryAttempt 当前消息的投递次数，不是由队列消息驱动时返回 0
func DeliveryAttempt(ctx context.Context) int {
	if n, ok := ctx.Value(deliveryAttemptKey{}).(int); ok {
		return n
	}
	return 0
}
