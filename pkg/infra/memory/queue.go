package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"

	"oip/recon/internal/framework"
)

// pollInterval Consume 等待新消息时的最长休眠
const pollInterval = 20 * time.Millisecond

type inflight struct {
	msg      *framework.Message
	deadline time.Time
}

// Queue 内存队列：实现 framework.MessageSource 和 triage.Publisher
// 语义与 lmstfy 一致：消费后在 TTR 内未 Ack 的消息重新投递
type Queue struct {
	mu       sync.Mutex
	pending  map[string][]*framework.Message
	inflight map[string]inflight
	seq      *atomic.Int64
	now      func() time.Time
}

// NewQueue 创建内存队列
func NewQueue() *Queue {
	return &Queue{
		pending:  make(map[string][]*framework.Message),
		inflight: make(map[string]inflight),
		seq:      atomic.NewInt64(0),
		now:      time.Now,
	}
}

// Publish 发布消息
func (q *Queue) Publish(ctx context.Context, queue string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := &framework.Message{
		ID:    fmt.Sprintf("mem-%d", q.seq.Inc()),
		Queue: queue,
		Data:  append([]byte(nil), data...),
		Extra: make(map[string]interface{}),
	}
	q.mu.Lock()
	q.pending[queue] = append(q.pending[queue], msg)
	q.mu.Unlock()
	return nil
}

// Consume 拉取消息；timeout 内没有消息时返回 nil
func (q *Queue) Consume(queue string, timeout time.Duration, ttr time.Duration) (*framework.Message, error) {
	deadline := q.now().Add(timeout)
	for {
		if msg := q.pop(queue, ttr); msg != nil {
			return msg, nil
		}
		remaining := deadline.Sub(q.now())
		if remaining <= 0 {
			return nil, nil
		}
		if remaining > pollInterval {
			remaining = pollInterval
		}
		time.Sleep(remaining)
	}
}

func (q *Queue) pop(queue string, ttr time.Duration) *framework.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for id, f := range q.inflight {
		if f.msg.Queue == queue && now.After(f.deadline) {
			delete(q.inflight, id)
			q.pending[queue] = append(q.pending[queue], f.msg)
		}
	}

	list := q.pending[queue]
	if len(list) == 0 {
		return nil
	}
	msg := list[0]
	q.pending[queue] = list[1:]
	msg.Attempts++
	q.inflight[msg.ID] = inflight{msg: msg, deadline: now.Add(ttr)}

	out := *msg
	return &out
}

// Ack 确认消息
func (q *Queue) Ack(queue string, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[jobID]; !ok {
		return fmt.Errorf("job %s not in flight on %s", jobID, queue)
	}
	delete(q.inflight, jobID)
	return nil
}

// Len 队列中待消费的消息数
func (q *Queue) Len(queue string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[queue])
}

// Messages 待消费消息的数据副本
func (q *Queue) Messages(queue string) [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([][]byte, 0, len(q.pending[queue]))
	for _, m := range q.pending[queue] {
		out = append(out, append([]byte(nil), m.Data...))
	}
	return out
}
