package arbiter

import (
	"errors"

	"github.com/Hara602/hostSentry/internal/sysutil"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

// Scanner 外部扫描引擎，可能耗时任意长
type Scanner interface {
	Scan(path string) (bool, error)
}

// ScannerFunc 允许用普通函数充当 Scanner
type ScannerFunc func(path string) (bool, error)

func (f ScannerFunc) Scan(path string) (bool, error) { return f(path) }

// Pool 一组从 Queue 取请求的扫描 worker
type Pool struct {
	queue   *Queue
	scanner Scanner
	wg      conc.WaitGroup
}

func NewPool(q *Queue, s Scanner) *Pool {
	return &Pool{queue: q, scanner: s}
}

// Start 启动 n 个 worker，队列关闭后它们自行退出
func (p *Pool) Start(n int) {
	for i := 0; i < n; i++ {
		id := i
		p.wg.Go(func() { p.run(id) })
	}
}

// Wait 等待所有 worker 退出（需先关闭队列）
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) run(id int) {
	for {
		req, err := p.queue.Pop()
		if errors.Is(err, ErrClosed) {
			sysutil.Log.Debug("Scan worker exiting", zap.Int("worker", id))
			return
		}
		malicious, err := p.scanner.Scan(req.Path)
		if err != nil {
			// 扫描失败按未命中处理，结论仍必须写入
			sysutil.Log.Error("Scan failed", zap.String("request", req.ID),
				zap.String("path", req.Path), zap.Error(err))
			malicious = false
		}
		req.Fulfill(malicious)
	}
}
