package watcher

import "github.com/Hara602/hostSentry/internal/model"

// DeviceWatcher 报告块设备分区的挂载与移除
type DeviceWatcher interface {
	Start() (<-chan model.MountEvent, error)
	Stop()
}

func New() DeviceWatcher {
	return newWatcher()
}
