package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/Hara602/hostSentry/internal/analysis"
	"github.com/Hara602/hostSentry/internal/arbiter"
	"github.com/Hara602/hostSentry/internal/config"
	"github.com/Hara602/hostSentry/internal/guard"
	"github.com/Hara602/hostSentry/internal/model"
	"github.com/Hara602/hostSentry/internal/monitor"
	"github.com/Hara602/hostSentry/internal/store"
	"github.com/Hara602/hostSentry/internal/sysutil"
	"github.com/Hara602/hostSentry/internal/watcher"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to the agent configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		sysutil.InitLogger("info")
		sysutil.Log.Fatal("Load config failed", zap.Error(err))
	}

	// 初始化日志
	sysutil.InitLogger(cfg.LogLevel)
	defer sysutil.Log.Sync()

	// Fanotify 需要 Root 权限
	if os.Geteuid() != 0 {
		sysutil.LogSugar.Fatal("Must run as root (required by Fanotify/open_by_handle_at).")
	}

	sysutil.Log.Info("🛡️ Host Sentry Agent Starting...", zap.String("config", *configPath))

	ws := cfg.WatchSet()

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		sysutil.Log.Fatal("Store init failed", zap.Error(err))
	}
	defer db.Close()

	// 扫描队列与 worker
	queue := arbiter.NewQueue()
	pool := arbiter.NewPool(queue, analysis.NewScanner(db))
	pool.Start(cfg.Scan.Workers)

	// Change Observer
	fileMon, err := monitor.New(ws, cfg.Filters(), monitor.MultiSink{monitor.LogSink{}, db})
	if err != nil {
		sysutil.Log.Fatal("Monitor init failed", zap.Error(err))
	}
	for _, root := range ws.Roots {
		if err := fileMon.Watch(root); err != nil {
			sysutil.Log.Fatal("Watch root failed", zap.String("root", root), zap.Error(err))
		}
	}

	// Execution Guard 只拦截第一个根目录
	var execGuard *guard.Guard
	if cfg.Guard.Enabled {
		execGuard, err = guard.New(queue, guard.Options{
			Excludes: ws.Excludes,
			MaxSize:  cfg.MaxScanSize(),
			Timeout:  cfg.Scan.Timeout,
		})
		if err != nil {
			sysutil.Log.Fatal("Guard init failed", zap.Error(err))
		}
		if err := execGuard.Watch(ws.Roots[0]); err != nil {
			sysutil.Log.Fatal("Guard watch failed", zap.String("root", ws.Roots[0]), zap.Error(err))
		}
		fileMon.OnNewDir(func(dir string) {
			if config.UnderPrefix(dir, ws.Roots[0]) {
				if err := execGuard.Watch(dir); err != nil {
					sysutil.Log.Warn("Guard watch new directory failed", zap.String("dir", dir), zap.Error(err))
				}
			}
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	var loops conc.WaitGroup
	loops.Go(func() {
		if err := fileMon.Run(ctx); err != nil {
			sysutil.Log.Fatal("Monitor stopped", zap.Error(err))
		}
	})
	if execGuard != nil {
		loops.Go(func() {
			if err := execGuard.Run(ctx); err != nil {
				sysutil.Log.Fatal("Guard stopped", zap.Error(err))
			}
		})
	}

	var mountEvents <-chan model.MountEvent
	if cfg.USB.Enabled {
		devWatcher := watcher.New()
		mountEvents, err = devWatcher.Start()
		if err != nil {
			sysutil.Log.Warn("Device watcher unavailable, new mounts will not be anchored", zap.Error(err))
		} else {
			defer devWatcher.Stop()
		}
	}

	// 捕获操作系统信号，优雅关闭
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for running := true; running; {
		select {
		case ev := <-mountEvents:
			handleMount(ev, ws, fileMon, execGuard)
		case <-sigCh:
			sysutil.Log.Info("Shutting down...")
			running = false
		}
	}

	cancel()
	loops.Wait()
	queue.Close()
	pool.Wait()
	if execGuard != nil {
		if err := execGuard.Close(); err != nil {
			sysutil.Log.Warn("Close guard failed", zap.Error(err))
		}
	}
	if err := fileMon.Close(); err != nil {
		sysutil.Log.Warn("Close monitor failed", zap.Error(err))
	}
}

// handleMount 新挂载点位于监控根目录下时，为其补充锚点并标记
func handleMount(ev model.MountEvent, ws config.WatchSet, fileMon monitor.FileMonitor, execGuard *guard.Guard) {
	if ev.Action != "add" {
		sysutil.Log.Info("❌ Device Removed", zap.String("dev", ev.DevicePath))
		return
	}
	sysutil.Log.Info("✅ Device Mounted", zap.String("dev", ev.DevicePath), zap.String("mount", ev.MountPoint))
	if !ws.Contains(ev.MountPoint) {
		return
	}
	if err := fileMon.Watch(ev.MountPoint); err != nil {
		sysutil.Log.Error("Failed to watch mount", zap.String("mount", ev.MountPoint), zap.Error(err))
	} else {
		sysutil.Log.Info("👀 Monitoring started", zap.String("path", ev.MountPoint))
	}
	if execGuard != nil && config.UnderPrefix(ev.MountPoint, ws.Roots[0]) {
		if err := execGuard.Watch(ev.MountPoint); err != nil {
			sysutil.Log.Error("Failed to guard mount", zap.String("mount", ev.MountPoint), zap.Error(err))
		}
	}
}
