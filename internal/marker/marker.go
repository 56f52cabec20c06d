// Package marker 递归地在目录树上注册内核监控
package marker

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/Hara602/hostSentry/internal/config"
	"github.com/Hara602/hostSentry/internal/sysutil"
	"go.uber.org/zap"
)

// Registrar 把单个目录注册到某个内核通道（fanotify mark / inotify watch）
type Registrar interface {
	Register(dir string) error
}

// RegistrarFunc 允许用普通函数充当 Registrar
type RegistrarFunc func(dir string) error

func (f RegistrarFunc) Register(dir string) error { return f(dir) }

// Mark 用显式栈做深度优先遍历，不依赖内核的递归标记：
//  1. 目录命中排除前缀则整棵子树跳过
//  2. 否则注册该目录
//  3. Lstat 区分子项类型，指向目录的符号链接不展开
//
// 根目录本身注册失败返回错误；子目录失败只记录日志，遍历继续
func Mark(root string, excludes []string, reg Registrar) error {
	root = config.CleanPath(root)
	ws := config.WatchSet{Excludes: excludes}
	if ws.IsExcluded(root) {
		return nil
	}

	info, err := os.Lstat(root)
	if err != nil {
		return fmt.Errorf("stat root %s: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("root %s is not a directory", root)
	}
	if err := reg.Register(root); err != nil {
		return fmt.Errorf("register root %s: %w", root, err)
	}

	stack := children(root, ws)
	marked := 1
	for len(stack) > 0 {
		dir := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if err := reg.Register(dir); err != nil {
			sysutil.Log.Warn("Mark directory failed, skipping",
				zap.String("dir", dir), zap.Error(err))
		} else {
			marked++
		}
		stack = append(stack, children(dir, ws)...)
	}
	sysutil.Log.Debug("Tree marked", zap.String("root", root), zap.Int("dirs", marked))
	return nil
}

// children 返回 dir 下未被排除的直接子目录
func children(dir string, ws config.WatchSet) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		sysutil.Log.Warn("Read directory failed", zap.String("dir", dir), zap.Error(err))
		return nil
	}
	var out []string
	for _, e := range entries {
		p := filepath.Join(dir, e.Name())
		fi, err := os.Lstat(p)
		if err != nil || !fi.IsDir() {
			continue
		}
		if ws.IsExcluded(p) {
			continue
		}
		out = append(out, p)
	}
	return out
}
