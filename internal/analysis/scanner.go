// Package analysis 默认的扫描引擎：哈希黑名单 + 文件头伪装检测
package analysis

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/Hara602/hostSentry/internal/sysutil"
	"go.uber.org/zap"
)

// Blocklist 哈希黑名单查询
type Blocklist interface {
	IsBlocked(sha256 string) (bool, string, error)
}

// Scanner 实现 arbiter.Scanner
type Scanner struct {
	inspector *TypeInspector
	blocklist Blocklist
}

// NewScanner blocklist 可以为 nil，此时只做文件头检测
func NewScanner(bl Blocklist) *Scanner {
	return &Scanner{inspector: NewTypeInspector(), blocklist: bl}
}

// Scan 返回 true 表示恶意
func (s *Scanner) Scan(path string) (bool, error) {
	if s.blocklist != nil {
		sum, err := HashFile(path)
		if err != nil {
			return false, err
		}
		blocked, reason, err := s.blocklist.IsBlocked(sum)
		if err != nil {
			return false, fmt.Errorf("blocklist lookup: %w", err)
		}
		if blocked {
			sysutil.Log.Warn("🚨 Blocklisted file", zap.String("path", path),
				zap.String("sha256", sum), zap.String("reason", reason))
			return true, nil
		}
	}

	result, err := s.inspector.Inspect(path)
	if err != nil {
		return false, err
	}
	if result.IsMasquerade {
		sysutil.Log.Warn("find masquerade file", zap.String("path", path),
			zap.String("risk", result.RiskLevel), zap.String("detail", result.Message))
	}
	return result.IsMasquerade && result.RiskLevel == RiskHigh, nil
}

// HashFile 计算文件的 SHA-256（十六进制）
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
