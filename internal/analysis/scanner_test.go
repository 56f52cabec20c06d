package analysis

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 最小 ELF 文件头
var elfHeader = append([]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0}, make([]byte, 56)...)

type mapBlocklist map[string]string

func (m mapBlocklist) IsBlocked(sum string) (bool, string, error) {
	reason, ok := m[sum]
	return ok, reason, nil
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, data, 0o755))
	return p
}

func TestInspect(t *testing.T) {
	ti := NewTypeInspector()
	tests := []struct {
		name       string
		file       string
		data       []byte
		masquerade bool
		risk       string
	}{
		{"elf disguised as text", "notes.txt", elfHeader, true, RiskHigh},
		{"elf without extension", "tool", elfHeader, false, RiskSafe},
		{"elf shared object", "libx.so", elfHeader, false, RiskSafe},
		{"plain script", "run.sh", []byte("#!/bin/sh\necho hi\n"), false, RiskSafe},
		{"empty file", "empty.bin", nil, false, RiskSafe},
		{"png named jpg", "pic.jpg", []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), true, RiskMedium},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := ti.Inspect(writeFile(t, tt.file, tt.data))
			require.NoError(t, err)
			assert.Equal(t, tt.masquerade, res.IsMasquerade)
			assert.Equal(t, tt.risk, res.RiskLevel)
		})
	}
}

func TestScanner(t *testing.T) {
	blockedBody := []byte("#!/bin/sh\nrm -rf --no-preserve-root /\n")
	blockedPath := writeFile(t, "payload.sh", blockedBody)
	sum, err := HashFile(blockedPath)
	require.NoError(t, err)

	s := NewScanner(mapBlocklist{sum: "wiper"})

	malicious, err := s.Scan(blockedPath)
	require.NoError(t, err)
	assert.True(t, malicious)

	malicious, err = s.Scan(writeFile(t, "readme.txt", elfHeader))
	require.NoError(t, err)
	assert.True(t, malicious)

	malicious, err = s.Scan(writeFile(t, "agent", elfHeader))
	require.NoError(t, err)
	assert.False(t, malicious)

	_, err = s.Scan(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestHashFile(t *testing.T) {
	sum, err := HashFile(writeFile(t, "empty", nil))
	require.NoError(t, err)
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", sum)
}
