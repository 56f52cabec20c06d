// Package config 加载 agent 的 YAML 配置
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultPath = "/etc/hostsentry/config.yaml"

// HardMaxScanSize 不论配置如何，超过此大小的文件都不送检
const HardMaxScanSize int64 = 1 << 30

// 事件类型位，对应 Event Filter 中的四类语义事件
const (
	EventCreate uint8 = 1 << iota
	EventDelete
	EventModify // MODIFY 与 ATTRIB 共用
	EventRename

	EventAll = EventCreate | EventDelete | EventModify | EventRename
)

// Config 完整配置
type Config struct {
	LogLevel string        `yaml:"log_level"`
	DBPath   string        `yaml:"db_path"`
	Scan     ScanConfig    `yaml:"scan"`
	Guard    GuardConfig   `yaml:"guard"`
	USB      USBConfig     `yaml:"usb"`
	Watch    []WatchTarget `yaml:"watch"`
	Exclude  []string      `yaml:"exclude"`
}

type ScanConfig struct {
	MaxSize int64         `yaml:"max_size"` // 字节
	Timeout time.Duration `yaml:"timeout"`
	Workers int           `yaml:"workers"`
}

type GuardConfig struct {
	Enabled bool `yaml:"enabled"`
}

type USBConfig struct {
	Enabled bool `yaml:"enabled"`
}

// WatchTarget 一个被监控的根目录
type WatchTarget struct {
	Path         string   `yaml:"path"`
	Events       []string `yaml:"events"` // create, delete, modify, attrib, rename
	ExcludeFiles []string `yaml:"exclude_files"`
}

// WatchSet 有序的根目录 + 排除路径，初始化后只读
type WatchSet struct {
	Roots    []string
	Excludes []string
}

// DirFilter 单个监控目录的事件掩码与排除文件名
type DirFilter struct {
	Mask         uint8
	ExcludeFiles map[string]struct{}
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		DBPath:   "/var/lib/hostsentry/sentry.db",
		Scan: ScanConfig{
			MaxSize: 100 << 20,
			Timeout: 3 * time.Second,
			Workers: 2,
		},
		Guard: GuardConfig{Enabled: true},
		USB:   USBConfig{Enabled: true},
	}
}

// Load 读取配置文件，未填写的字段保留默认值
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if len(c.Watch) == 0 {
		return errors.New("config: at least one watch path is required")
	}
	for i, w := range c.Watch {
		if !filepath.IsAbs(w.Path) {
			return fmt.Errorf("config: watch[%d] path %q must be absolute", i, w.Path)
		}
		if _, err := ParseEvents(w.Events); err != nil {
			return fmt.Errorf("config: watch[%d]: %w", i, err)
		}
	}
	for _, e := range c.Exclude {
		if !filepath.IsAbs(e) {
			return fmt.Errorf("config: exclude path %q must be absolute", e)
		}
	}
	if c.Scan.MaxSize < 0 {
		return errors.New("config: scan.max_size must not be negative")
	}
	if c.Scan.Timeout <= 0 {
		return errors.New("config: scan.timeout must be positive")
	}
	if c.Scan.Workers <= 0 {
		return errors.New("config: scan.workers must be positive")
	}
	return nil
}

// MaxScanSize 配置值再受 HardMaxScanSize 限制
func (c *Config) MaxScanSize() int64 {
	if c.Scan.MaxSize <= 0 || c.Scan.MaxSize > HardMaxScanSize {
		return HardMaxScanSize
	}
	return c.Scan.MaxSize
}

func (c *Config) WatchSet() WatchSet {
	ws := WatchSet{}
	for _, w := range c.Watch {
		ws.Roots = append(ws.Roots, CleanPath(w.Path))
	}
	for _, e := range c.Exclude {
		ws.Excludes = append(ws.Excludes, CleanPath(e))
	}
	ws.Excludes = append(ws.Excludes, c.StoreFiles()...)
	return ws
}

// StoreFiles 数据库文件及 SQLite 的伴生文件；事件写库本身不能再被观察到
func (c *Config) StoreFiles() []string {
	if c.DBPath == "" {
		return nil
	}
	db := CleanPath(c.DBPath)
	return []string{db, db + "-journal", db + "-wal", db + "-shm"}
}

// Filters 监控目录 -> 过滤规则
func (c *Config) Filters() map[string]DirFilter {
	out := make(map[string]DirFilter, len(c.Watch))
	for _, w := range c.Watch {
		mask, _ := ParseEvents(w.Events)
		f := DirFilter{Mask: mask, ExcludeFiles: make(map[string]struct{})}
		for _, name := range w.ExcludeFiles {
			f.ExcludeFiles[name] = struct{}{}
		}
		out[CleanPath(w.Path)] = f
	}
	return out
}

// ParseEvents 空列表表示全部事件
func ParseEvents(events []string) (uint8, error) {
	if len(events) == 0 {
		return EventAll, nil
	}
	var mask uint8
	for _, e := range events {
		switch strings.ToLower(strings.TrimSpace(e)) {
		case "create":
			mask |= EventCreate
		case "delete":
			mask |= EventDelete
		case "modify", "attrib":
			mask |= EventModify
		case "rename", "move":
			mask |= EventRename
		case "all":
			mask |= EventAll
		default:
			return 0, fmt.Errorf("unknown event %q", e)
		}
	}
	return mask, nil
}

// CleanPath 合并重复的分隔符并去掉结尾的 /
func CleanPath(p string) string {
	if p == "" {
		return p
	}
	return filepath.Clean(p)
}

// UnderPrefix 判断 path 是否等于 prefix 或位于其下（按路径段对齐，/a/b 不匹配 /a/bc）
func UnderPrefix(path, prefix string) bool {
	if prefix == "/" {
		return strings.HasPrefix(path, "/")
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}

// IsExcluded 判断 path 是否落在任何排除前缀下
func (ws WatchSet) IsExcluded(path string) bool {
	for _, e := range ws.Excludes {
		if UnderPrefix(path, e) {
			return true
		}
	}
	return false
}

// Contains 判断 path 是否位于某个根目录下且未被排除
func (ws WatchSet) Contains(path string) bool {
	if ws.IsExcluded(path) {
		return false
	}
	for _, r := range ws.Roots {
		if UnderPrefix(path, r) {
			return true
		}
	}
	return false
}
