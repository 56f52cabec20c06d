//go:build linux

// Package resolver 把 fanotify 上报的 file handle 解析回用户可见的路径
package resolver

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/Hara602/hostSentry/internal/model"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

const procSelfFd = "/proc/self/fd/%d"

// ErrNotFound 所有锚点都无法打开该 handle
var ErrNotFound = errors.New("file handle not resolvable through any mount anchor")

// Target 解析结果
type Target struct {
	Path string
	Ino  uint64
}

type anchor struct {
	root string
	fd   int
}

// Resolver 持有每个根目录的目录 fd（mount anchor），按注册顺序探测
type Resolver struct {
	mu      sync.RWMutex
	anchors []anchor
	closed  bool
}

func New() *Resolver {
	return &Resolver{}
}

// AddAnchor 为 root 打开一个目录 fd；重复注册同一 root 不会重复打开
func (r *Resolver) AddAnchor(root string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("resolver closed")
	}
	for _, a := range r.anchors {
		if a.root == root {
			return nil
		}
	}
	fd, err := unix.Open(root, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open mount anchor %s: %w", root, err)
	}
	r.anchors = append(r.anchors, anchor{root: root, fd: fd})
	return nil
}

// Roots 已注册的锚点，按注册顺序
func (r *Resolver) Roots() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.anchors))
	for _, a := range r.anchors {
		out = append(out, a.root)
	}
	return out
}

// Resolve 依次用每个锚点尝试 open_by_handle_at：
// ESTALE 说明 handle 不属于该文件系统，其它错误同样视为"换下一个"
func (r *Resolver) Resolve(h *model.FileHandle) (Target, error) {
	if h == nil {
		return Target{}, ErrNotFound
	}
	fh := unix.NewFileHandle(h.HandleType, h.FHandle)

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.anchors {
		fd, err := unix.OpenByHandleAt(a.fd, fh, unix.O_PATH|unix.O_CLOEXEC)
		if err != nil {
			continue
		}
		t, err := describe(fd)
		unix.Close(fd)
		if err != nil || t.Path == "" {
			continue
		}
		return t, nil
	}
	return Target{}, ErrNotFound
}

// PathOf 通过 /proc/self/fd 读取一个已打开 fd 的真实路径
func PathOf(fd int) (string, error) {
	link, err := os.Readlink(fmt.Sprintf(procSelfFd, fd))
	if err != nil {
		return "", err
	}
	return Normalize(strings.TrimSuffix(link, " (deleted)")), nil
}

func describe(fd int) (Target, error) {
	path, err := PathOf(fd)
	if err != nil {
		return Target{}, err
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return Target{}, err
	}
	return Target{Path: path, Ino: st.Ino}, nil
}

// Close 关闭全部锚点，只会执行一次
func (r *Resolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	var err error
	for _, a := range r.anchors {
		err = multierr.Append(err, unix.Close(a.fd))
	}
	r.anchors = nil
	return err
}
