package linkage

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ballance/enron/internal/cache"
)

// Query 一次关联查询的条件，所有比较都在小写形式上进行
type Query struct {
	FromAddress       string
	Start             time.Time // 含
	End               time.Time // 含
	RawSubject        string    // 原主题转小写
	NormalizedSubject string    // 为空时只做原样相等匹配
}

// Match 判断一条消息是否满足查询条件
func (q Query) Match(fromAddress, subject string, date time.Time) bool {
	if !strings.EqualFold(strings.TrimSpace(fromAddress), q.FromAddress) {
		return false
	}
	if date.Before(q.Start) || date.After(q.End) {
		return false
	}
	lower := strings.ToLower(subject)
	if lower == q.RawSubject {
		return true
	}
	return q.NormalizedSubject != "" && strings.Contains(lower, q.NormalizedSubject)
}

// MessageIndex 可按关联条件查询的消息索引（关系库或内存实现）
type MessageIndex interface {
	FindMessages(ctx context.Context, q Query) ([]int64, error)
}

// Option 匹配器选项
type Option func(*Matcher)

// WithCache 使用读穿缓存，同一策略下相同 (发件人, 时间, 主题) 只查询一次
//
// 只缓存非空结果：消息表之后补录的数据仍能被匹配到。
func WithCache(c cache.Cache) Option {
	return func(m *Matcher) { m.cache = c }
}

// WithRateLimit 限制每秒查询次数，<=0 表示不限速
func WithRateLimit(perSecond float64) Option {
	return func(m *Matcher) {
		if perSecond > 0 {
			burst := int(perSecond)
			if burst < 1 {
				burst = 1
			}
			m.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithQueryTimeout 单次查询超时
func WithQueryTimeout(d time.Duration) Option {
	return func(m *Matcher) { m.timeout = d }
}

// WithLogger 设置日志记录器
func WithLogger(log *zap.Logger) Option {
	return func(m *Matcher) {
		if log != nil {
			m.log = log
		}
	}
}

// Matcher 关联匹配器，只读，可并发使用
type Matcher struct {
	index   MessageIndex
	policy  Policy
	cache   cache.Cache
	limiter *rate.Limiter
	timeout time.Duration
	log     *zap.Logger
	// keyPrefix 含策略指纹，窗口或前缀变化后不会读到旧结果
	keyPrefix string

	lookups   atomic.Int64
	cacheHits atomic.Int64
	ambiguous atomic.Int64
}

// NewMatcher 创建匹配器
func NewMatcher(index MessageIndex, policy Policy, opts ...Option) *Matcher {
	if policy.prefixRe == nil {
		policy = NewPolicy(policy.Window, policy.SubjectPrefixes, policy.MaxCandidates)
	}
	m := &Matcher{
		index:     index,
		policy:    policy,
		log:       zap.NewNop(),
		keyPrefix: "link:" + policy.Fingerprint() + ":",
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Policy 返回当前匹配策略
func (m *Matcher) Policy() Policy {
	return m.policy
}

// BuildQuery 由候选邮件构造查询；发件人或时间缺失时返回 false
func (m *Matcher) BuildQuery(from, subject string, sentAt time.Time) (Query, bool) {
	addr := ParseAddress(from)
	if addr == "" || sentAt.IsZero() {
		return Query{}, false
	}
	return Query{
		FromAddress:       addr,
		Start:             sentAt.Add(-m.policy.Window),
		End:               sentAt.Add(m.policy.Window),
		RawSubject:        strings.ToLower(subject),
		NormalizedSubject: m.policy.NormalizeSubject(subject),
	}, true
}

// FindCandidates 返回满足匹配条件的消息 ID（升序、去重）
//
// 发件人或发送时间缺失时返回空结果而不报错；候选数超过 MaxCandidates
// 时同样返回空结果，视为歧义。
func (m *Matcher) FindCandidates(ctx context.Context, from, subject string, sentAt time.Time) ([]int64, error) {
	q, ok := m.BuildQuery(from, subject, sentAt)
	if !ok {
		return nil, nil
	}

	key := m.cacheKey(q.FromAddress, sentAt, q.RawSubject)
	if m.cache != nil {
		var ids []int64
		hit, err := cache.GetJSON(ctx, m.cache, key, &ids)
		if err != nil {
			m.log.Warn("linkage cache read failed", zap.Error(err))
		} else if hit {
			m.cacheHits.Add(1)
			return m.limit(ids, q), nil
		}
	}

	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("linkage rate limit: %w", err)
		}
	}

	qctx := ctx
	if m.timeout > 0 {
		var cancel context.CancelFunc
		qctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	m.lookups.Add(1)
	ids, err := m.index.FindMessages(qctx, q)
	if err != nil {
		return nil, fmt.Errorf("find messages from %s: %w", q.FromAddress, err)
	}
	ids = sortUnique(ids)

	if m.cache != nil && len(ids) > 0 {
		if err := cache.SetJSON(ctx, m.cache, key, ids); err != nil {
			m.log.Warn("linkage cache write failed", zap.Error(err))
		}
	}
	return m.limit(ids, q), nil
}

// Stats 返回实际查询次数、缓存命中次数和歧义次数
func (m *Matcher) Stats() (lookups, cacheHits, ambiguous int64) {
	return m.lookups.Load(), m.cacheHits.Load(), m.ambiguous.Load()
}

func (m *Matcher) limit(ids []int64, q Query) []int64 {
	if m.policy.MaxCandidates > 0 && len(ids) > m.policy.MaxCandidates {
		m.ambiguous.Add(1)
		m.log.Debug("ambiguous linkage",
			zap.String("from", q.FromAddress),
			zap.Int("candidates", len(ids)),
			zap.Int("max", m.policy.MaxCandidates))
		return nil
	}
	return ids
}

func (m *Matcher) cacheKey(from string, sentAt time.Time, rawSubject string) string {
	return m.keyPrefix + from + "|" + strconv.FormatInt(sentAt.Unix(), 10) + "|" + rawSubject
}

func sortUnique(ids []int64) []int64 {
	if len(ids) == 0 {
		return nil
	}
	out := append([]int64(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	n := 1
	for i := 1; i < len(out); i++ {
		if out[i] != out[n-1] {
			out[n] = out[i]
			n++
		}
	}
	return out[:n]
}
