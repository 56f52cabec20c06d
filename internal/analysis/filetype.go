package analysis

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/h2non/filetype"
)

// 风险等级
const (
	RiskSafe   = "SAFE"
	RiskMedium = "MEDIUM"
	RiskHigh   = "HIGH"
)

// Result 文件头检测结果
type Result struct {
	IsMasquerade bool   // 是否是伪装文件
	RealExt      string // 真实的类型后缀 (根据文件头)
	DeclaredExt  string // 声明的后缀 (文件名)
	RiskLevel    string
	Message      string
}

// TypeInspector 比对文件头类型与后缀，初始化后只读
type TypeInspector struct {
	aliasMap map[string]map[string]bool
}

func NewTypeInspector() *TypeInspector {
	t := &TypeInspector{aliasMap: make(map[string]map[string]bool)}
	t.initRules()
	return t
}

// initRules 合法的"表里不一"
func (t *TypeInspector) initRules() {
	allow := func(realType string, allowedExts ...string) {
		if _, ok := t.aliasMap[realType]; !ok {
			t.aliasMap[realType] = map[string]bool{realType: true}
		}
		for _, ext := range allowedExts {
			t.aliasMap[realType][ext] = true
		}
	}

	// docx, jar, apk 等本质都是 zip
	allow("zip", "docx", "xlsx", "pptx", "jar", "war", "apk", "odt", "ods", "odp", "whl", "nupkg")
	allow("xml", "svg", "html", "htm", "plist", "config")
	allow("gz", "gzip", "tgz")
	// ELF 常见的合法后缀：共享库、内核模块、无后缀程序
	allow("elf", "so", "o", "ko", "bin", "run", "out", "axf")
	// PE 家族
	allow("exe", "dll", "sys", "scr", "cpl", "ocx")
}

// Inspect 读取文件头并判断是否伪装
func (t *TypeInspector) Inspect(filePath string) (*Result, error) {
	declaredExt := strings.ToLower(strings.TrimPrefix(filepath.Ext(filePath), "."))

	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("open file failed: %w", err)
	}
	defer file.Close()

	// 262 bytes 是 filetype 库建议的文件头长度
	head := make([]byte, 262)
	n, _ := file.Read(head)
	if n == 0 {
		return &Result{RiskLevel: RiskSafe, DeclaredExt: declaredExt, Message: "Empty file"}, nil
	}

	kind, _ := filetype.Match(head[:n])
	if kind == filetype.Unknown {
		// 文本和脚本大多识别不出
		return &Result{RealExt: "unknown", DeclaredExt: declaredExt, RiskLevel: RiskSafe}, nil
	}
	realExt := kind.Extension

	// 无后缀的可执行文件在 exec 场景下是常态
	if declaredExt == "" || realExt == declaredExt || t.aliasMap[realExt][declaredExt] {
		return &Result{RealExt: realExt, DeclaredExt: declaredExt, RiskLevel: RiskSafe}, nil
	}

	risk := RiskMedium
	if realExt == "exe" || realExt == "elf" || realExt == "dll" {
		// 可执行文件伪装成其他格式
		risk = RiskHigh
	}
	return &Result{
		IsMasquerade: true,
		RealExt:      realExt,
		DeclaredExt:  declaredExt,
		RiskLevel:    risk,
		Message:      fmt.Sprintf("Type Mismatch! Header is '%s' but file is '%s'", realExt, declaredExt),
	}, nil
}
