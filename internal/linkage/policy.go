// Package linkage 把次数据集中的邮件关联到关系库中已有的消息。
//
// 匹配条件：发件人地址（忽略大小写）一致，发送时间落在对称窗口内，
// 且主题原样相等或规范化主题包含关系成立。
package linkage

import (
	"fmt"
	"hash/fnv"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultWindow 发送时间的默认容差（两个数据集的时区处理不一致）
const DefaultWindow = 12 * time.Hour

// DefaultSubjectPrefixes 默认剥离的回复/转发前缀
var DefaultSubjectPrefixes = []string{"re", "fw", "fwd"}

// Policy 匹配策略
type Policy struct {
	Window          time.Duration
	SubjectPrefixes []string
	// MaxCandidates 候选数超过该值时视为歧义，返回空结果；0 表示不限制
	MaxCandidates int

	prefixRe *regexp.Regexp
}

// NewPolicy 创建匹配策略，零值参数使用默认值
func NewPolicy(window time.Duration, prefixes []string, maxCandidates int) Policy {
	if window <= 0 {
		window = DefaultWindow
	}
	if len(prefixes) == 0 {
		prefixes = DefaultSubjectPrefixes
	}
	if maxCandidates < 0 {
		maxCandidates = 0
	}
	return Policy{
		Window:          window,
		SubjectPrefixes: prefixes,
		MaxCandidates:   maxCandidates,
		prefixRe:        compilePrefixes(prefixes),
	}
}

// Fingerprint 标识影响查询结果的策略参数（窗口和主题前缀）
//
// 前缀去重排序后参与计算，顺序和大小写不同的同一组前缀得到相同结果。
// MaxCandidates 在查询之后才生效，不参与计算。
func (p Policy) Fingerprint() string {
	seen := make(map[string]struct{}, len(p.SubjectPrefixes))
	prefixes := make([]string, 0, len(p.SubjectPrefixes))
	for _, prefix := range p.SubjectPrefixes {
		prefix = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(prefix), ":"))
		if _, ok := seen[prefix]; ok || prefix == "" {
			continue
		}
		seen[prefix] = struct{}{}
		prefixes = append(prefixes, prefix)
	}
	sort.Strings(prefixes)

	h := fnv.New64a()
	fmt.Fprintf(h, "%d|%s", int64(p.Window), strings.Join(prefixes, ","))
	return strconv.FormatUint(h.Sum64(), 16)
}

// DefaultPolicy ±12 小时，剥离 re/fw/fwd，不限候选数
func DefaultPolicy() Policy {
	return NewPolicy(0, nil, 0)
}

// NormalizeSubject 去掉开头可重复的回复/转发前缀，去空白并转小写
//
//	"RE: Fw: Budget " -> "budget"
func (p Policy) NormalizeSubject(subject string) string {
	re := p.prefixRe
	if re == nil {
		re = compilePrefixes(p.SubjectPrefixes)
	}
	return strings.ToLower(strings.TrimSpace(re.ReplaceAllString(subject, "")))
}

// NormalizeSubject 使用默认前缀规范化主题
func NormalizeSubject(subject string) string {
	return defaultPolicy.NormalizeSubject(subject)
}

var defaultPolicy = DefaultPolicy()

func compilePrefixes(prefixes []string) *regexp.Regexp {
	if len(prefixes) == 0 {
		prefixes = DefaultSubjectPrefixes
	}
	quoted := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		p = strings.TrimSuffix(strings.TrimSpace(p), ":")
		if p != "" {
			quoted = append(quoted, regexp.QuoteMeta(p))
		}
	}
	return regexp.MustCompile(`(?i)^\s*(?:(?:` + strings.Join(quoted, "|") + `)\s*:\s*)+`)
}
