//go:build linux

package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Hara602/hostSentry/internal/config"
	"github.com/Hara602/hostSentry/internal/marker"
	"github.com/Hara602/hostSentry/internal/model"
	"github.com/Hara602/hostSentry/internal/resolver"
	"github.com/Hara602/hostSentry/internal/sysutil"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	fanInitFlags = unix.FAN_CLASS_NOTIF |
		unix.FAN_REPORT_FID |
		unix.FAN_CLOEXEC |
		unix.FAN_NONBLOCK |
		unix.FAN_UNLIMITED_QUEUE |
		unix.FAN_UNLIMITED_MARKS
	fanEventFlags = unix.O_RDONLY | unix.O_LARGEFILE | unix.O_CLOEXEC
	fanMask       = unix.FAN_MODIFY | unix.FAN_CLOSE_WRITE | unix.FAN_ATTRIB | unix.FAN_EVENT_ON_CHILD

	inotifyMask = unix.IN_CREATE | unix.IN_DELETE | unix.IN_MOVED_FROM | unix.IN_MOVED_TO

	pollTimeoutMs = 200
	// 每条 inotify 记录最多 16 + NAME_MAX + 1 字节
	bufSize = 64 * 1024
)

// Observer 合并 fanotify(FID) 与 inotify(名字) 两路事件
type Observer struct {
	fanFd int
	inFd  int

	ws       config.WatchSet
	filter   *Filter
	resolver *resolver.Resolver
	paths    *resolver.PathMap
	sink     Sink

	wdMu sync.RWMutex
	wds  map[int32]string // watch descriptor -> 目录（用户路径）

	// 以下只在事件循环里访问
	renames renameTable
	recent  modificationSet
	now     func() time.Time

	onNewDir func(dir string)

	closeOnce sync.Once
}

var _ FileMonitor = (*Observer)(nil)

// New 打开两个通知通道；任一失败都意味着没有观察能力
func New(ws config.WatchSet, filters map[string]config.DirFilter, sink Sink) (*Observer, error) {
	fanFd, err := unix.FanotifyInit(fanInitFlags, fanEventFlags)
	if err != nil {
		return nil, fmt.Errorf("fanotify init failed: %w", err)
	}
	inFd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		unix.Close(fanFd)
		return nil, fmt.Errorf("inotify init failed: %w", err)
	}
	o := newObserver(ws, filters, sink)
	o.fanFd = fanFd
	o.inFd = inFd
	return o, nil
}

func newObserver(ws config.WatchSet, filters map[string]config.DirFilter, sink Sink) *Observer {
	return &Observer{
		fanFd:    -1,
		inFd:     -1,
		ws:       ws,
		filter:   NewFilter(ws, filters),
		resolver: resolver.New(),
		paths:    resolver.NewPathMap(),
		sink:     sink,
		wds:      make(map[int32]string),
		renames:  make(renameTable),
		recent:   make(modificationSet),
		now:      time.Now,
	}
}

// OnNewDir 新建目录被标记后回调，供 Execution Guard 跟进
func (o *Observer) OnNewDir(fn func(dir string)) {
	o.onNewDir = fn
}

// Watch 为 root 建立挂载锚点（含其下的子挂载）并递归标记
func (o *Observer) Watch(root string) error {
	root = config.CleanPath(root)
	if err := o.paths.Add(root); err != nil {
		return fmt.Errorf("resolve real path of %s: %w", root, err)
	}
	if err := o.resolver.AddAnchor(root); err != nil {
		return err
	}
	subs, err := sysutil.SubMounts(root)
	if err != nil {
		sysutil.Log.Warn("List sub mounts failed", zap.String("root", root), zap.Error(err))
	}
	for _, mp := range subs {
		if o.ws.IsExcluded(mp) {
			continue
		}
		if err := o.resolver.AddAnchor(mp); err != nil {
			sysutil.Log.Warn("Anchor sub mount failed", zap.String("mount", mp), zap.Error(err))
		}
	}
	return o.markTree(root)
}

func (o *Observer) markTree(root string) error {
	return marker.Mark(root, o.ws.Excludes, marker.RegistrarFunc(o.register))
}

// register 同一目录同时挂到 fanotify 与 inotify 上
func (o *Observer) register(dir string) error {
	var err error
	if e := unix.FanotifyMark(o.fanFd, unix.FAN_MARK_ADD, fanMask, unix.AT_FDCWD, dir); e != nil {
		err = multierr.Append(err, fmt.Errorf("fanotify mark: %w", e))
	}
	wd, e := unix.InotifyAddWatch(o.inFd, dir, inotifyMask)
	if e != nil {
		return multierr.Append(err, fmt.Errorf("inotify add watch: %w", e))
	}
	o.wdMu.Lock()
	o.wds[int32(wd)] = dir
	o.wdMu.Unlock()
	return err
}

func (o *Observer) dirOf(wd int32) (string, bool) {
	o.wdMu.RLock()
	defer o.wdMu.RUnlock()
	dir, ok := o.wds[wd]
	return dir, ok
}

// Run 每轮先处理完所有 fanotify 事件，再处理 inotify 事件
func (o *Observer) Run(ctx context.Context) error {
	sysutil.Log.Info("👀 Change observer running", zap.Strings("roots", o.ws.Roots))

	buf := make([]byte, bufSize)
	pfd := []unix.PollFd{
		{Fd: int32(o.fanFd), Events: unix.POLLIN},
		{Fd: int32(o.inFd), Events: unix.POLLIN},
	}
	for ctx.Err() == nil {
		n, err := unix.Poll(pfd, pollTimeoutMs)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("poll notification channels: %w", err)
		}
		if n == 0 {
			continue
		}
		// 当前可读的 FID 事件全部处理完，才轮到 inotify
		if pfd[0].Revents&unix.POLLIN != 0 {
			if err := drain(o.fanFd, buf, o.handleFanotify); err != nil {
				return err
			}
		}
		if pfd[1].Revents&unix.POLLIN != 0 {
			drain(o.inFd, buf, func(data []byte) error {
				o.handleInotify(data)
				return nil
			})
		}
	}
	return nil
}

// drain 反复读取直到通道暂时无数据（EAGAIN），每次读到的数据交给 handle
func drain(fd int, buf []byte, handle func([]byte) error) error {
	for {
		data := readAvailable(fd, buf)
		if len(data) == 0 {
			return nil
		}
		if err := handle(data); err != nil {
			return err
		}
	}
}

// readAvailable 读失败（EAGAIN 等）视为本轮没有事件
func readAvailable(fd int, buf []byte) []byte {
	n, err := unix.Read(fd, buf)
	if err != nil || n <= 0 {
		return nil
	}
	return buf[:n]
}

func (o *Observer) handleFanotify(buf []byte) error {
	events, err := model.DecodeFanotifyEvents(buf, true)
	for _, ev := range events {
		if ev.Meta.Fd >= 0 {
			unix.Close(int(ev.Meta.Fd))
		}
		if ev.Meta.Mask&unix.FAN_Q_OVERFLOW != 0 {
			sysutil.Log.Warn("Fanotify queue overflow, events lost")
			continue
		}
		target, rerr := o.resolver.Resolve(ev.Handle)
		if rerr != nil {
			// 进程可能操作的是任何锚点之外的文件
			sysutil.Log.Debug("Drop unresolvable fanotify event", zap.Uint64("mask", ev.Meta.Mask))
			continue
		}
		o.handleFid(o.paths.ToUser(target.Path), target.Ino, ev.Meta.Mask)
	}
	return err
}

// handleFid MODIFY 只记录 inode，CLOSE_WRITE 确认后才上报一次 MODIFY；ATTRIB 直接上报
func (o *Observer) handleFid(path string, ino uint64, mask uint64) {
	if path == "" || !o.filter.ShouldDisplay(path, mask) {
		return
	}
	now := o.now()
	if mask&unix.FAN_MODIFY != 0 {
		o.recent.touch(ino, now)
	}
	if mask&unix.FAN_CLOSE_WRITE != 0 && o.recent.confirm(ino) {
		o.emit(model.ChangeEvent{Kind: model.KindModify, Path: path, TimeStamp: now})
	}
	if mask&unix.FAN_ATTRIB != 0 {
		o.emit(model.ChangeEvent{Kind: model.KindAttrib, Path: path, TimeStamp: now})
	}
}

func (o *Observer) handleInotify(buf []byte) {
	for _, ev := range model.DecodeInotifyEvents(buf) {
		if ev.Mask&unix.IN_Q_OVERFLOW != 0 {
			sysutil.Log.Warn("Inotify queue overflow, events lost")
			continue
		}
		if ev.Mask&unix.IN_IGNORED != 0 || ev.Name == "" {
			continue
		}
		dir, ok := o.dirOf(ev.Wd)
		if !ok {
			continue
		}
		o.handleName(resolver.Normalize(dir+"/"+ev.Name), ev.Mask, ev.Cookie)
	}
}

func (o *Observer) handleName(path string, mask uint32, cookie uint32) {
	now := o.now()
	switch {
	case mask&unix.IN_CREATE != 0:
		if mask&unix.IN_ISDIR != 0 {
			o.followNewDir(path)
		}
		if o.filter.ShouldDisplay(path, uint64(mask)) {
			o.emit(model.ChangeEvent{Kind: model.KindCreate, Path: path, TimeStamp: now})
		}
	case mask&unix.IN_DELETE != 0:
		if o.filter.ShouldDisplay(path, uint64(mask)) {
			o.emit(model.ChangeEvent{Kind: model.KindDelete, Path: path, TimeStamp: now})
		}
	case mask&unix.IN_MOVED_FROM != 0:
		o.renames.from(cookie, path)
	case mask&unix.IN_MOVED_TO != 0:
		if mask&unix.IN_ISDIR != 0 {
			o.followNewDir(path)
		}
		from, ok := o.renames.to(cookie)
		if !ok {
			return
		}
		if o.filter.ShouldDisplay(path, uint64(mask)) {
			o.emit(model.ChangeEvent{Kind: model.KindRename, Path: from, NewPath: path, TimeStamp: now})
		}
	}
}

// followNewDir 新出现的目录也要纳入监控
func (o *Observer) followNewDir(dir string) {
	if o.ws.IsExcluded(dir) {
		return
	}
	if o.fanFd >= 0 {
		if err := o.markTree(dir); err != nil {
			sysutil.Log.Warn("Mark new directory failed", zap.String("dir", dir), zap.Error(err))
			return
		}
	}
	if o.onNewDir != nil {
		o.onNewDir(dir)
	}
}

func (o *Observer) emit(ev model.ChangeEvent) {
	if err := o.sink.Emit(ev); err != nil {
		sysutil.Log.Error("Sink rejected event", zap.Stringer("kind", ev.Kind),
			zap.String("path", ev.Path), zap.Error(err))
	}
}

// Close 关闭两个通道和全部锚点，只执行一次
func (o *Observer) Close() error {
	var err error
	o.closeOnce.Do(func() {
		if o.fanFd >= 0 {
			err = multierr.Append(err, unix.Close(o.fanFd))
		}
		if o.inFd >= 0 {
			err = multierr.Append(err, unix.Close(o.inFd))
		}
		err = multierr.Append(err, o.resolver.Close())
	})
	return err
}
