// Package arbiter 在 Execution Guard 与扫描 worker 之间传递扫描请求与结论
package arbiter

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrClosed   = errors.New("arbitration queue closed")
	ErrTimedOut = errors.New("verdict wait timed out")
)

// ScanRequest 一次扫描请求；verdict 只能写一次，生产者超时放弃后仍可安全写入
type ScanRequest struct {
	ID   string
	Path string

	once    sync.Once
	verdict chan bool
}

func NewScanRequest(path string) *ScanRequest {
	return &ScanRequest{
		ID:      uuid.NewString(),
		Path:    path,
		verdict: make(chan bool, 1),
	}
}

// Fulfill 写入结论，重复调用无效果
func (r *ScanRequest) Fulfill(malicious bool) {
	r.once.Do(func() {
		r.verdict <- malicious
	})
}

// AwaitVerdict 最多等待 timeout；超时返回 ErrTimedOut
func (r *ScanRequest) AwaitVerdict(ctx context.Context, timeout time.Duration) (bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case v := <-r.verdict:
		return v, nil
	case <-timer.C:
		return false, ErrTimedOut
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Queue 线程安全的 FIFO，每个请求只会被一个消费者取走
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []*ScanRequest
	closed bool
}

func NewQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push 入队并唤醒一个等待者；队列关闭后返回 ErrClosed
func (q *Queue) Push(req *ScanRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.items = append(q.items, req)
	q.cond.Signal()
	return nil
}

// Pop 阻塞直到有请求或队列关闭；关闭且为空时返回 ErrClosed
func (q *Queue) Pop() (*ScanRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, ErrClosed
	}
	req := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return req, nil
}

// Close 可重复调用，唤醒所有等待者
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
