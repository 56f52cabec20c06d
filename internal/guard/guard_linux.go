//go:build linux

// Package guard 拦截被监控目录下的程序执行，并根据扫描结论放行或拒绝
package guard

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/Hara602/hostSentry/internal/arbiter"
	"github.com/Hara602/hostSentry/internal/config"
	"github.com/Hara602/hostSentry/internal/marker"
	"github.com/Hara602/hostSentry/internal/model"
	"github.com/Hara602/hostSentry/internal/resolver"
	"github.com/Hara602/hostSentry/internal/sysutil"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	// 权限类通道：内核阻塞 execve 直到我们回复
	initFlags  = unix.FAN_CLASS_CONTENT | unix.FAN_CLOEXEC | unix.FAN_NONBLOCK | unix.FAN_UNLIMITED_QUEUE | unix.FAN_UNLIMITED_MARKS
	eventFlags = unix.O_RDONLY | unix.O_LARGEFILE | unix.O_CLOEXEC
	markMask   = unix.FAN_OPEN_EXEC_PERM | unix.FAN_EVENT_ON_CHILD

	pollTimeoutMs = 200
	bufSize       = 4096

	DefaultTimeout = 3 * time.Second
)

// Options Guard 的运行参数
type Options struct {
	Excludes []string
	MaxSize  int64 // <=0 或超过 config.HardMaxScanSize 时取硬上限
	Timeout  time.Duration
}

// Guard 持有一个 fanotify 权限通道，事件循环单线程、逐个仲裁
type Guard struct {
	fd    int
	opts  Options
	queue *arbiter.Queue
	paths *resolver.PathMap

	selfPid int32
	// 每个事件恰好回复一次
	respond func(fd int32, allow bool) error

	closeOnce sync.Once
}

// New 初始化权限通道；失败意味着没有拦截能力，由调用方终止进程
func New(q *arbiter.Queue, opts Options) (*Guard, error) {
	fd, err := unix.FanotifyInit(initFlags, eventFlags)
	if err != nil {
		return nil, fmt.Errorf("fanotify permission channel init failed: %w", err)
	}
	g := newGuard(fd, q, opts)
	g.respond = g.writeResponse
	return g, nil
}

func newGuard(fd int, q *arbiter.Queue, opts Options) *Guard {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxSize <= 0 || opts.MaxSize > config.HardMaxScanSize {
		opts.MaxSize = config.HardMaxScanSize
	}
	return &Guard{
		fd:      fd,
		opts:    opts,
		queue:   q,
		paths:   resolver.NewPathMap(),
		selfPid: int32(os.Getpid()),
	}
}

// Watch 在 root 下递归注册 exec 拦截
func (g *Guard) Watch(root string) error {
	if err := g.paths.Add(root); err != nil {
		return fmt.Errorf("resolve real path of %s: %w", root, err)
	}
	return marker.Mark(root, g.opts.Excludes, marker.RegistrarFunc(func(dir string) error {
		return unix.FanotifyMark(g.fd, unix.FAN_MARK_ADD, markMask, unix.AT_FDCWD, dir)
	}))
}

// Run 事件循环，ctx 取消后在下一个 poll 超时内退出
func (g *Guard) Run(ctx context.Context) error {
	sysutil.Log.Info("🛡️ Execution guard running",
		zap.String("max_size", humanize.Bytes(uint64(g.opts.MaxSize))),
		zap.Duration("timeout", g.opts.Timeout))

	buf := make([]byte, bufSize)
	pfd := []unix.PollFd{{Fd: int32(g.fd), Events: unix.POLLIN}}
	for ctx.Err() == nil {
		n, err := unix.Poll(pfd, pollTimeoutMs)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("poll permission channel: %w", err)
		}
		if n == 0 || pfd[0].Revents&unix.POLLIN == 0 {
			continue
		}
		n, err = unix.Read(g.fd, buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("read permission channel: %w", err)
		}
		if err := g.handleEvents(ctx, buf[:n]); err != nil {
			return err
		}
	}
	return nil
}

// handleEvents 先处理已完整解码的事件，再把解码错误（ABI 不符）交给上层
func (g *Guard) handleEvents(ctx context.Context, buf []byte) error {
	events, err := model.DecodeFanotifyEvents(buf, false)
	for _, ev := range events {
		g.handleEvent(ctx, ev.Meta)
	}
	return err
}

func (g *Guard) handleEvent(ctx context.Context, meta model.FanotifyEventMetadata) {
	if meta.Mask&unix.FAN_Q_OVERFLOW != 0 {
		sysutil.Log.Warn("Permission channel queue overflow")
		return
	}
	if meta.Fd == unix.FAN_NOFD {
		return
	}
	// 内核交给我们的 fd 无论结果如何都要关闭
	defer unix.Close(int(meta.Fd))

	if meta.Mask&unix.FAN_OPEN_EXEC_PERM == 0 {
		return
	}
	allow := g.decide(ctx, meta)
	if err := g.respond(meta.Fd, allow); err != nil {
		sysutil.Log.Error("Write fanotify response failed", zap.Int32("pid", meta.Pid), zap.Error(err))
	}
}

func (g *Guard) decide(ctx context.Context, meta model.FanotifyEventMetadata) bool {
	if meta.Pid == g.selfPid {
		return true
	}
	realPath, err := resolver.PathOf(int(meta.Fd))
	if err != nil || realPath == "" {
		// 无法命名的文件无法评估，直接放行
		sysutil.Log.Debug("Exec target unresolvable, allowing", zap.Int32("pid", meta.Pid), zap.Error(err))
		return true
	}
	path := g.paths.ToUser(realPath)

	var st unix.Stat_t
	if err := unix.Fstat(int(meta.Fd), &st); err != nil {
		sysutil.Log.Debug("Fstat exec target failed, allowing", zap.String("path", path), zap.Error(err))
		return true
	}
	return g.Arbitrate(ctx, path, st.Size)
}

// Arbitrate 超过大小上限直接放行；否则入队等待扫描结论，超时放行
func (g *Guard) Arbitrate(ctx context.Context, path string, size int64) bool {
	if size > g.opts.MaxSize {
		sysutil.Log.Debug("Exec target too large to scan, allowing",
			zap.String("path", path), zap.String("size", humanize.Bytes(uint64(size))))
		return true
	}

	req := arbiter.NewScanRequest(path)
	if err := g.queue.Push(req); err != nil {
		sysutil.Log.Warn("Arbitration queue closed, allowing", zap.String("path", path))
		return true
	}

	malicious, err := req.AwaitVerdict(ctx, g.opts.Timeout)
	switch {
	case errors.Is(err, arbiter.ErrTimedOut):
		sysutil.Log.Warn("⏱️ Scan verdict timed out, allowing exec",
			zap.String("request", req.ID), zap.String("path", path), zap.Duration("timeout", g.opts.Timeout))
		return true
	case err != nil:
		return true
	case malicious:
		sysutil.Log.Warn("🚫 Exec denied", zap.String("request", req.ID), zap.String("path", path))
		return false
	}
	return true
}

func (g *Guard) writeResponse(fd int32, allow bool) error {
	resp := uint32(unix.FAN_ALLOW)
	if !allow {
		resp = unix.FAN_DENY
	}
	_, err := unix.Write(g.fd, model.EncodeFanotifyResponse(fd, resp))
	return err
}

// Close 关闭权限通道；内核会放行所有尚未回复的事件
func (g *Guard) Close() error {
	var err error
	g.closeOnce.Do(func() {
		if g.fd >= 0 {
			err = unix.Close(g.fd)
			g.fd = -1
		}
	})
	return err
}
