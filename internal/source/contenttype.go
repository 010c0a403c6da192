package source

import (
	"bytes"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/ballance/enron/internal/domain"
)

// SniffLen 内容类型识别需要的头部字节数
const SniffLen = 512

// executableSignatures 可执行文件魔数
var executableSignatures = []struct {
	magic    []byte
	mimeType string
}{
	{[]byte{0x4D, 0x5A}, "application/x-msdownload"},              // PE
	{[]byte{0x7F, 0x45, 0x4C, 0x46}, "application/x-elf"},         // ELF
	{[]byte{0xFE, 0xED, 0xFA, 0xCE}, "application/x-mach-binary"}, // Mach-O
	{[]byte{0xCE, 0xFA, 0xED, 0xFE}, "application/x-mach-binary"},
}

// oleSignature 老式 Office 文档（doc/xls/ppt）共用的复合文档头
var oleSignature = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}

// DetectMimeType 确定附件的 MIME 类型
//
// 源数据给出的具体类型优先；缺失或只是 octet-stream 时依次按扩展名和内容头部判断。
func DetectMimeType(filename, declared string, header []byte) string {
	declared = strings.ToLower(strings.TrimSpace(declared))
	if i := strings.IndexByte(declared, ';'); i >= 0 {
		declared = strings.TrimSpace(declared[:i])
	}
	if declared != "" && declared != domain.DefaultMimeType {
		return declared
	}

	if ext := strings.ToLower(filepath.Ext(filename)); ext != "" {
		if byExt := mime.TypeByExtension(ext); byExt != "" {
			if i := strings.IndexByte(byExt, ';'); i >= 0 {
				byExt = byExt[:i]
			}
			return byExt
		}
	}

	if len(header) == 0 {
		return domain.DefaultMimeType
	}
	for _, sig := range executableSignatures {
		if bytes.HasPrefix(header, sig.magic) {
			return sig.mimeType
		}
	}
	if bytes.HasPrefix(header, oleSignature) {
		return "application/x-ole-storage"
	}

	sniffed := http.DetectContentType(header)
	if i := strings.IndexByte(sniffed, ';'); i >= 0 {
		sniffed = sniffed[:i]
	}
	return sniffed
}
