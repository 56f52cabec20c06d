package resolver

import (
	"path/filepath"
	"strings"
	"sync"
)

// Normalize 合并重复的 /
func Normalize(p string) string {
	if !strings.Contains(p, "//") {
		return p
	}
	var b strings.Builder
	b.Grow(len(p))
	prev := byte(0)
	for i := 0; i < len(p); i++ {
		c := p[i]
		if c == '/' && prev == '/' {
			continue
		}
		b.WriteByte(c)
		prev = c
	}
	return b.String()
}

// PathMap 真实路径 -> 运维配置的路径（配置路径经过符号链接时两者不同）
type PathMap struct {
	mu sync.RWMutex
	m  map[string]string
}

func NewPathMap() *PathMap {
	return &PathMap{m: make(map[string]string)}
}

// Add 记录 userPath 对应的真实路径
func (pm *PathMap) Add(userPath string) error {
	realPath, err := filepath.EvalSymlinks(userPath)
	if err != nil {
		return err
	}
	pm.mu.Lock()
	pm.m[filepath.Clean(realPath)] = filepath.Clean(userPath)
	pm.mu.Unlock()
	return nil
}

// ToUser 用最长匹配的真实前缀替换成用户路径，无匹配时原样返回
func (pm *PathMap) ToUser(realPath string) string {
	realPath = Normalize(realPath)
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	best := ""
	for r := range pm.m {
		if len(r) <= len(best) {
			continue
		}
		if realPath == r || strings.HasPrefix(realPath, r+"/") || r == "/" {
			best = r
		}
	}
	if best == "" {
		return realPath
	}
	user := pm.m[best]
	rest := strings.TrimPrefix(strings.TrimPrefix(realPath, best), "/")
	if rest == "" {
		return user
	}
	if user == "/" {
		return "/" + rest
	}
	return user + "/" + rest
}
