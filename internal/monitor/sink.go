package monitor

import (
	"github.com/Hara602/hostSentry/internal/model"
	"github.com/Hara602/hostSentry/internal/sysutil"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// LogSink 把事件写进日志
type LogSink struct{}

func (LogSink) Emit(ev model.ChangeEvent) error {
	fields := []zap.Field{
		zap.Stringer("op", ev.Kind),
		zap.String("file", ev.Path),
		zap.Time("ts", ev.TimeStamp),
	}
	if ev.NewPath != "" {
		fields = append(fields, zap.String("new_file", ev.NewPath))
	}
	sysutil.Log.Info("📂 File Activity", fields...)
	return nil
}

// MultiSink 依次交给每个 sink，任何一个失败都不影响其余
type MultiSink []Sink

func (m MultiSink) Emit(ev model.ChangeEvent) error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.Emit(ev))
	}
	return err
}
