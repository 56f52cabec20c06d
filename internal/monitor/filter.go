package monitor

import (
	"path/filepath"

	"github.com/Hara602/hostSentry/internal/config"
	"github.com/armon/go-radix"
	"golang.org/x/sys/unix"
)

// Filter 排除路径 + 每个监控目录的事件掩码与排除文件名
type Filter struct {
	ws   config.WatchSet
	dirs *radix.Tree // 监控目录 -> config.DirFilter
}

func NewFilter(ws config.WatchSet, filters map[string]config.DirFilter) *Filter {
	tree := radix.New()
	for dir, f := range filters {
		tree.Insert(config.CleanPath(dir), f)
	}
	return &Filter{ws: ws, dirs: tree}
}

// Translate 把内核掩码（fanotify 与 inotify 的位定义相同）转换为语义事件位
func Translate(raw uint64) uint8 {
	var kind uint8
	if raw&unix.FAN_CREATE != 0 {
		kind |= config.EventCreate
	}
	if raw&unix.FAN_DELETE != 0 {
		kind |= config.EventDelete
	}
	if raw&(unix.FAN_MODIFY|unix.FAN_CLOSE_WRITE|unix.FAN_ATTRIB) != 0 {
		kind |= config.EventModify
	}
	if raw&(unix.FAN_MOVED_FROM|unix.FAN_MOVED_TO) != 0 {
		kind |= config.EventRename
	}
	return kind
}

// ShouldDisplay 判断该路径上的事件是否需要上报。
// 事件掩码和排除文件名取自离 path 最近的已配置监控目录，
// 而不是 path 的直接父目录；未单独配置的子目录沿用上层的规则
func (f *Filter) ShouldDisplay(path string, raw uint64) bool {
	if f.ws.IsExcluded(path) {
		return false
	}
	kind := Translate(raw)
	if kind == 0 {
		return false
	}
	df, ok := f.nearest(path)
	if !ok || df.Mask&kind == 0 {
		return false
	}
	if _, hit := df.ExcludeFiles[filepath.Base(path)]; hit {
		return false
	}
	return true
}

// nearest 找到按路径段对齐、离 path 最近的监控目录
func (f *Filter) nearest(path string) (config.DirFilter, bool) {
	var (
		best  config.DirFilter
		found bool
	)
	f.dirs.WalkPath(path, func(dir string, v interface{}) bool {
		if config.UnderPrefix(path, dir) {
			best = v.(config.DirFilter)
			found = true
		}
		return false
	})
	return best, found
}
