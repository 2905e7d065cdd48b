package shortlink

import (
	"errors"
	"fmt"
)

// Codec 把 Snowflake ID 编码成短码。
//
// 设计原因：
// - 算法独立：编码与发号、查重解耦，Base62 和 sqids 可以按配置切换
// - Alphabet 暴露给分配器：冲突时追加的随机字符必须来自同一个字母表
type Codec interface {
	Encode(id int64) (string, error)
	Alphabet() string
}

var ErrNonPositiveID = errors.New("id must be positive")

// DefaultBase62Alphabet 是打乱顺序的 62 字符表，连续 ID 编码后不容易被看出规律。
const DefaultBase62Alphabet = "UljgibvxYZk9nODAJ3tQ4SaGmPuo0KpVsFqNczICwTdMX2rB5yRH6W8efhL17E"

type Base62Codec struct {
	alphabet string
}

// NewBase62Codec 校验字母表：必须是 62 个互不相同的 ASCII 字符。
func NewBase62Codec(alphabet string) (*Base62Codec, error) {
	if len(alphabet) != 62 {
		return nil, fmt.Errorf("base62 alphabet must have 62 chars, got %d", len(alphabet))
	}
	var seen [256]bool
	for i := 0; i < len(alphabet); i++ {
		c := alphabet[i]
		if c >= 0x80 || seen[c] {
			return nil, fmt.Errorf("base62 alphabet has invalid or duplicate char %q", c)
		}
		seen[c] = true
	}
	return &Base62Codec{alphabet: alphabet}, nil
}

func (b *Base62Codec) Alphabet() string { return b.alphabet }

// Encode 将正整数编码为 Base62 字符串，0 和负数直接拒绝。
func (b *Base62Codec) Encode(id int64) (string, error) {
	if id <= 0 {
		return "", fmt.Errorf("%w: %d", ErrNonPositiveID, id)
	}
	var buf [11]byte // 62^11 > 2^64，11 位足够
	i := len(buf)
	n := uint64(id)
	for n > 0 {
		i--
		buf[i] = b.alphabet[n%62]
		n /= 62
	}
	return string(buf[i:]), nil
}
