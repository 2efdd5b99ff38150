package triage

import (
	"fmt"
	"strconv"
	"strings"
)

// MaxRetryBucket 重试次数分桶上限（0,1,2,3+）
const MaxRetryBucket = 3

// StateKey 策略表的离散状态：类别 × 严重等级 × 重试桶 × 优先级
type StateKey struct {
	Category    Category
	Band        Level
	RetryBucket int
	Priority    int
}

// String 序列化为 category|band|retry|priority
func (k StateKey) String() string {
	return fmt.Sprintf("%s|%s|%d|%d", k.Category, k.Band, k.RetryBucket, k.Priority)
}

// ParseStateKey 解析 String() 的输出
func ParseStateKey(s string) (StateKey, error) {
	parts := strings.Split(s, "|")
	if len(parts) != 4 {
		return StateKey{}, fmt.Errorf("invalid state key %q", s)
	}
	cat, err := ParseCategory(parts[0])
	if err != nil {
		return StateKey{}, err
	}
	band, err := ParseLevel(parts[1])
	if err != nil {
		return StateKey{}, err
	}
	retry, err := strconv.Atoi(parts[2])
	if err != nil {
		return StateKey{}, fmt.Errorf("invalid retry bucket in %q: %w", s, err)
	}
	prio, err := strconv.Atoi(parts[3])
	if err != nil {
		return StateKey{}, fmt.Errorf("invalid priority in %q: %w", s, err)
	}
	return StateKey{Category: cat, Band: band, RetryBucket: retry, Priority: prio}, nil
}

// RetryBucket 重试次数分桶
func RetryBucket(retries int) int {
	if retries < 0 {
		return 0
	}
	if retries > MaxRetryBucket {
		return MaxRetryBucket
	}
	return retries
}

// PolicyView 策略的只读快照
// 实现方必须是不可变对象，多个 goroutine 并发读取
type PolicyView interface {
	// SeverityAdjustment 该状态下学到的严重度修正量
	SeverityAdjustment(key StateKey) float64
	// PreferredDestination 在 valid 集合内给出策略偏好的目的地；无把握时返回 false
	PreferredDestination(key StateKey, valid []Destination, static Destination) (Destination, bool)
}

// StaticPolicy 空策略：只使用静态规则
type StaticPolicy struct{}

// SeverityAdjustment 恒为 0
func (StaticPolicy) SeverityAdjustment(StateKey) float64 { return 0 }

// PreferredDestination 从不改写
func (StaticPolicy) PreferredDestination(StateKey, []Destination, Destination) (Destination, bool) {
	return "", false
}
