package filesystem

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"unicode"
)

// maxExtensionLength 扩展名（含点）的最大长度，超出则丢弃扩展名
const maxExtensionLength = 16

// PlatformUtils 平台兼容性工具
type PlatformUtils struct{}

// NewPlatformUtils 创建平台工具实例
func NewPlatformUtils() *PlatformUtils {
	return &PlatformUtils{}
}

// SanitizeExtension 清理附件扩展名，确保拼接到摘要后仍是安全的文件名
//
// 规则：
//   - 补齐前导点（"pdf" -> ".pdf"）
//   - 只保留字母和数字，统一小写
//   - 过长或清理后为空时返回空字符串
func (p *PlatformUtils) SanitizeExtension(ext string) string {
	ext = strings.TrimSpace(ext)
	ext = strings.TrimLeft(ext, ".")
	if ext == "" {
		return ""
	}

	cleaned := strings.Map(func(r rune) rune {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return unicode.ToLower(r)
		}
		return -1
	}, ext)

	if cleaned == "" || len(cleaned)+1 > maxExtensionLength {
		return ""
	}
	return "." + cleaned
}

// ValidatePath 验证路径是否安全
func (p *PlatformUtils) ValidatePath(path string) error {
	// 1. 检查路径长度
	if len(path) > 2000 {
		return fmt.Errorf("path too long: %d characters", len(path))
	}

	// 2. 检查是否包含路径遍历
	for _, elem := range strings.Split(filepath.ToSlash(path), "/") {
		if elem == ".." {
			return fmt.Errorf("path traversal detected: %s", path)
		}
	}

	return nil
}

// IsCaseSensitive 检查当前文件系统是否大小写敏感
func (p *PlatformUtils) IsCaseSensitive() bool {
	switch runtime.GOOS {
	case "windows":
		return false
	default:
		return true
	}
}

// NormalizePath 标准化路径
func (p *PlatformUtils) NormalizePath(path string) string {
	// 1. 转换为绝对路径
	absPath, err := filepath.Abs(path)
	if err != nil {
		return path
	}

	// 2. 清理路径
	cleanPath := filepath.Clean(absPath)

	// 3. 如果文件系统不区分大小写，转换为小写
	if !p.IsCaseSensitive() {
		cleanPath = strings.ToLower(cleanPath)
	}

	return cleanPath
}
