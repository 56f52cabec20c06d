//go:build linux

package sysutil

import (
	"path/filepath"
	"time"

	"github.com/moby/sys/mountinfo"
)

// WaitForMount 轮询挂载表等待设备挂载
func WaitForMount(devPath string) string {
	// 尝试 3 秒，因为 Udev event 触发时，文件系统可能还没挂载好
	bySource := func(i *mountinfo.Info) (skip, stop bool) {
		if i.Source == devPath {
			return false, true
		}
		return true, false
	}
	for i := 0; i < 30; i++ {
		mounts, err := mountinfo.GetMounts(bySource)
		if err == nil && len(mounts) > 0 {
			return mounts[0].Mountpoint
		}
		time.Sleep(100 * time.Millisecond)
	}
	return ""
}

// SubMounts 返回 root 之下（不含 root 本身）的所有挂载点
func SubMounts(root string) ([]string, error) {
	root = filepath.Clean(root)
	mounts, err := mountinfo.GetMounts(mountinfo.PrefixFilter(root))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, m := range mounts {
		if m.Mountpoint != root {
			out = append(out, m.Mountpoint)
		}
	}
	return out, nil
}
