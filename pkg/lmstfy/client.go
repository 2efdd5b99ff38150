package lmstfy

import (
	"context"
	"fmt"
	"time"

	"github.com/bitleak/lmstfy/client"

	"oip/recon/internal/framework"
)

// 发布参数
const (
	defaultTTL   = 0 // 0 表示消息不过期
	defaultTries = 3
)

// Client Lmstfy 客户端封装
type Client struct {
	cli       *client.LmstfyClient
	namespace string
	tries     uint16
}

// NewClient 创建 Lmstfy 客户端
func NewClient(host string, port int, namespace string, token string) (*Client, error) {
	if host == "" || namespace == "" {
		return nil, fmt.Errorf("lmstfy host and namespace are required")
	}
	cli := client.NewLmstfyClient(host, port, namespace, token)
	return &Client{
		cli:       cli,
		namespace: namespace,
		tries:     defaultTries,
	}, nil
}

// Consume 消费消息（实现 MessageSource 接口）
func (c *Client) Consume(queue string, timeout time.Duration, ttr time.Duration) (*framework.Message, error) {
	timeoutSec := uint32(timeout.Seconds())
	ttrSec := uint32(ttr.Seconds())

	job, err := c.cli.Consume(queue, ttrSec, timeoutSec)
	if err != nil {
		return nil, fmt.Errorf("lmstfy consume failed: %w", err)
	}

	// 超时未拉到消息
	if job == nil {
		return nil, nil
	}

	msg := &framework.Message{
		ID:       job.ID,
		Queue:    job.Queue,
		Data:     job.Data,
		Attempts: attempts(c.tries, job.RemainTries),
		Extra:    make(map[string]interface{}),
	}
	return msg, nil
}

// attempts 由剩余次数推算本次是第几次投递（lmstfy 在消费时扣减 tries）
// 其他生产者发布的消息 tries 未知，至少按第 1 次处理
func attempts(tries uint16, remain int64) int {
	n := int64(tries) - remain
	if n < 1 {
		return 1
	}
	return int(n)
}

// Ack 确认消息（实现 MessageSource 接口）
func (c *Client) Ack(queue string, jobID string) error {
	if err := c.cli.Ack(queue, jobID); err != nil {
		return fmt.Errorf("lmstfy ack failed: %w", err)
	}
	return nil
}

// Publish 发布消息（实现 triage.Publisher）
// lmstfy 客户端不接收 ctx，调用前检查是否已取消
func (c *Client) Publish(ctx context.Context, queue string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.PublishJob(queue, data, defaultTTL, 0)
	return err
}

// PublishJob 发布消息，返回 job id
func (c *Client) PublishJob(queue string, data []byte, ttl, delay uint32) (string, error) {
	jobID, err := c.cli.Publish(queue, data, ttl, c.tries, delay)
	if err != nil {
		return "", fmt.Errorf("lmstfy publish failed: %w", err)
	}
	return jobID, nil
}
