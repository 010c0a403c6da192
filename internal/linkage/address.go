package linkage

import (
	"net/mail"
	"regexp"
	"strings"
)

var angleAddrRe = regexp.MustCompile(`<([^<>]+)>`)

// ParseAddress 从 "Name <addr>" 或裸地址中提取小写邮箱地址
//
// 源数据里的地址格式并不规范，无法解析时退回去掉引号和空白后的原串。
func ParseAddress(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if addr, err := mail.ParseAddress(raw); err == nil {
		return strings.ToLower(addr.Address)
	}
	if m := angleAddrRe.FindStringSubmatch(raw); m != nil {
		return strings.ToLower(strings.TrimSpace(m[1]))
	}
	return strings.ToLower(strings.Trim(raw, `"' `))
}

// ParseAddressList 解析逗号或分号分隔的地址列表，丢弃不含 @ 的片段
func ParseAddressList(raw string) []string {
	if list, err := mail.ParseAddressList(raw); err == nil {
		out := make([]string, 0, len(list))
		for _, a := range list {
			out = append(out, strings.ToLower(a.Address))
		}
		return out
	}
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ';' })
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if addr := ParseAddress(f); strings.Contains(addr, "@") {
			out = append(out, addr)
		}
	}
	return out
}
