package monitor

import (
	"context"

	"github.com/Hara602/hostSentry/internal/model"
)

// FileMonitor 被动观察文件变化的组件
type FileMonitor interface {
	Run(ctx context.Context) error
	Watch(root string) error // 递归监控 root，也用于运行时新挂载的分区
	Close() error
}

// Sink 接收语义事件；失败不重试
type Sink interface {
	Emit(ev model.ChangeEvent) error
}

// SinkFunc 允许用普通函数充当 Sink
type SinkFunc func(ev model.ChangeEvent) error

func (f SinkFunc) Emit(ev model.ChangeEvent) error { return f(ev) }
