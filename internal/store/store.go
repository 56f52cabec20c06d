// Package store 用 SQLite 保存哈希黑名单与文件变化事件
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Hara602/hostSentry/internal/model"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS blocklist (
	sha256 TEXT PRIMARY KEY,
	reason TEXT,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS change_events (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	path TEXT NOT NULL,
	new_path TEXT,
	ts DATETIME NOT NULL
);
`

type Store struct {
	db *sql.DB
}

// Open 打开（必要时创建）数据库并初始化表结构
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// 扫描 worker 与 observer 会并发写入，单连接避免 SQLITE_BUSY
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	return &Store{db: db}, nil
}

// IsBlocked 查询哈希是否在黑名单中
func (s *Store) IsBlocked(sha256 string) (bool, string, error) {
	var reason sql.NullString
	err := s.db.QueryRow("SELECT reason FROM blocklist WHERE sha256 = ?", sha256).Scan(&reason)
	if errors.Is(err, sql.ErrNoRows) {
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}
	return true, reason.String, nil
}

// AddBlockRule 添加黑名单，已存在时忽略
func (s *Store) AddBlockRule(sha256, reason string) error {
	_, err := s.db.Exec(
		"INSERT OR IGNORE INTO blocklist(sha256, reason) VALUES (?, ?)",
		sha256, reason,
	)
	return err
}

// Emit 实现 monitor.Sink
func (s *Store) Emit(ev model.ChangeEvent) error {
	_, err := s.db.Exec(
		"INSERT INTO change_events(id, kind, path, new_path, ts) VALUES (?, ?, ?, ?, ?)",
		uuid.NewString(), ev.Kind.String(), ev.Path, ev.NewPath, ev.TimeStamp.UTC(),
	)
	return err
}

// RecentEvents 按时间倒序返回最近的事件
func (s *Store) RecentEvents(limit int) ([]model.ChangeEvent, error) {
	rows, err := s.db.Query(
		"SELECT kind, path, COALESCE(new_path, ''), ts FROM change_events ORDER BY ts DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ChangeEvent
	for rows.Next() {
		var (
			kind string
			ev   model.ChangeEvent
		)
		if err := rows.Scan(&kind, &ev.Path, &ev.NewPath, &ev.TimeStamp); err != nil {
			return nil, err
		}
		ev.Kind = model.ParseEventKind(kind)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
