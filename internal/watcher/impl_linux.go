//go:build linux

package watcher

import (
	"strings"
	"sync"
	"time"

	"github.com/Hara602/hostSentry/internal/model"
	"github.com/Hara602/hostSentry/internal/sysutil"
	"github.com/pilebones/go-udev/netlink"
	"go.uber.org/zap"
)

type linuxWatcher struct {
	events   chan model.MountEvent
	stop     chan struct{}
	stopOnce sync.Once
}

func newWatcher() DeviceWatcher {
	return &linuxWatcher{
		events: make(chan model.MountEvent, 10),
		stop:   make(chan struct{}),
	}
}

func (w *linuxWatcher) Start() (<-chan model.MountEvent, error) {
	// 监听 UDEV 事件,连接 NETLINK_KOBJECT_UEVENT
	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		return nil, err
	}
	queue := make(chan netlink.UEvent)
	errChan := make(chan error)
	quit := conn.Monitor(queue, errChan, nil)

	go func() {
		defer conn.Close()
		for {
			select {
			case <-w.stop:
				close(quit)
				return
			case err := <-errChan:
				// 底层网络错误不致命，继续监听
				sysutil.Log.Debug("udev monitor error", zap.Error(err))
			case uevent := <-queue:
				w.handleUdevEvent(uevent)
			}
		}
	}()
	return w.events, nil
}

func (w *linuxWatcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *linuxWatcher) handleUdevEvent(uevent netlink.UEvent) {
	if uevent.Env["SUBSYSTEM"] != "block" || uevent.Env["DEVTYPE"] != "partition" {
		return
	}
	devName := uevent.Env["DEVNAME"]
	if !strings.HasPrefix(devName, "/dev") {
		devName = "/dev/" + devName
	}
	switch uevent.Action {
	case "add":
		go w.handleAdd(devName)
	case "remove":
		w.send(model.MountEvent{Action: "remove", DevicePath: devName, TimeStamp: time.Now()})
	}
}

// handleAdd udev 事件到达时文件系统可能还没挂载，等待挂载点出现
func (w *linuxWatcher) handleAdd(devName string) {
	mountPoint := sysutil.WaitForMount(devName)
	if mountPoint == "" {
		sysutil.Log.Warn("Device detected but mount point not found (timeout)", zap.String("dev", devName))
		return
	}
	w.send(model.MountEvent{
		Action:     "add",
		DevicePath: devName,
		MountPoint: mountPoint,
		TimeStamp:  time.Now(),
	})
}

func (w *linuxWatcher) send(ev model.MountEvent) {
	select {
	case w.events <- ev:
	case <-w.stop:
	}
}
