package cas

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"

	"github.com/ballance/enron/internal/domain"
)

// DigestLength 十六进制摘要长度（SHA-256）
const DigestLength = sha256.Size * 2

// ComputeDigest 计算载荷的内容摘要（纯函数，无状态）
func ComputeDigest(payload []byte) domain.Digest {
	sum := sha256.Sum256(payload)
	return domain.Digest(hex.EncodeToString(sum[:]))
}

// newHasher 返回流式摘要计算器
func newHasher() hash.Hash {
	return sha256.New()
}

// digestOf 从流式计算器得到摘要
func digestOf(h hash.Hash) domain.Digest {
	return domain.Digest(hex.EncodeToString(h.Sum(nil)))
}

// ValidateDigest 校验摘要格式：64 位小写十六进制
func ValidateDigest(d domain.Digest) error {
	if len(d) != DigestLength {
		return fmt.Errorf("invalid digest length %d", len(d))
	}
	for i := 0; i < len(d); i++ {
		c := d[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return fmt.Errorf("invalid digest character %q", c)
		}
	}
	return nil
}
