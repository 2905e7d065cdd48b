package shortlink

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
)

// IDSource 发号来源，生产环境是 idgen.Pool。
type IDSource interface {
	NextID() (int64, error)
}

// ExistenceProbe 查重端口。
type ExistenceProbe interface {
	ExistsByShortCode(ctx context.Context, code string) (bool, error)
}

var ErrCodeSpaceExhausted = errors.New("short code allocation kept colliding")

const (
	defaultMaxSuffix = 3
	defaultMaxRounds = 8
)

// Allocator 负责产出一个未被占用的短码。
//
// 流程：
//  1. 取一个新 ID，编码
//  2. 已存在就追加一个随机字符再查，最多追加 maxSuffix 个
//  3. 还冲突就换一个新 ID 从头来，最多 maxRounds 轮
//
// 正常情况下 Snowflake ID 不会重复，第 1 步一次查询就结束。
type Allocator struct {
	ids       IDSource
	codec     Codec
	probe     ExistenceProbe
	maxSuffix int
	maxRounds int
	intn      func(n int) int
}

type AllocatorOption func(*Allocator)

func WithMaxSuffix(n int) AllocatorOption {
	return func(a *Allocator) {
		if n >= 0 {
			a.maxSuffix = n
		}
	}
}

func WithMaxRounds(n int) AllocatorOption {
	return func(a *Allocator) {
		if n > 0 {
			a.maxRounds = n
		}
	}
}

// WithRand 替换随机源（测试用）。
func WithRand(intn func(n int) int) AllocatorOption {
	return func(a *Allocator) { a.intn = intn }
}

func NewAllocator(ids IDSource, codec Codec, probe ExistenceProbe, opts ...AllocatorOption) *Allocator {
	a := &Allocator{
		ids:       ids,
		codec:     codec,
		probe:     probe,
		maxSuffix: defaultMaxSuffix,
		maxRounds: defaultMaxRounds,
		intn:      rand.IntN,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Allocator) Generate(ctx context.Context) (string, error) {
	alphabet := a.codec.Alphabet()
	for round := 0; round < a.maxRounds; round++ {
		id, err := a.ids.NextID()
		if err != nil {
			return "", fmt.Errorf("next id: %w", err)
		}
		code, err := a.codec.Encode(id)
		if err != nil {
			return "", err
		}

		for extra := 0; ; extra++ {
			exists, err := a.probe.ExistsByShortCode(ctx, code)
			if err != nil {
				return "", fmt.Errorf("probe %s: %w", code, err)
			}
			if !exists {
				return code, nil
			}
			if extra == a.maxSuffix {
				break
			}
			code += string(alphabet[a.intn(len(alphabet))])
		}
	}
	return "", ErrCodeSpaceExhausted
}
