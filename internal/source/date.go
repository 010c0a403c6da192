package source

import (
	"net/mail"
	"regexp"
	"strings"
	"time"
)

var fractionRe = regexp.MustCompile(`\.\d+`)

// 没有时区的格式按 UTC 解释
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 -0700 (MST)",
	time.RFC822Z,
	time.RFC822,
	"2 Jan 2006 15:04:05 -0700",
	"01/02/2006 15:04:05",
}

// ParseDate 解析源数据中的发送时间，无法解析时返回零值
//
// EDRM 格式形如 2001-05-30T16:13:31.0+00:00，小数秒直接丢弃。
func ParseDate(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	if t, err := mail.ParseDate(value); err == nil {
		return t.UTC()
	}
	value = fractionRe.ReplaceAllString(value, "")
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
