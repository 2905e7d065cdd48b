package cache

import (
	"context"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"snowlink.local/internal/app/shortlink"
)

// BloomFilter 记录本实例最近发出过的短码。
//
// 用途不是“判断一定不存在”（多实例下本地过滤器看不到别人的短码），
// 而是反过来：映射异步落库之前，库里查不到刚发出的短码，
// 过滤器命中就当作已存在。误判只会让分配器多追加一个字符，不影响正确性。
//
// 只需要覆盖“已发出、未落库”的窗口，所以按两代轮换：
// 当前代写满 capacity 个就降为上一代，旧的上一代直接丢弃。
// 任何时刻最近 capacity 个短码都在过滤器里，误判率不会随运行时间上涨。
type BloomFilter struct {
	mu       sync.RWMutex
	current  *bloom.BloomFilter
	previous *bloom.BloomFilter
	added    uint
	capacity uint
	fpRate   float64
}

// NewBloomFilter 创建布隆过滤器
// expectedItems: 每一代的容量，要远大于落库延迟内的发号量
// falsePositiveRate: 单代误判率（建议 0.01 即 1%）
func NewBloomFilter(expectedItems uint, falsePositiveRate float64) *BloomFilter {
	if expectedItems == 0 {
		expectedItems = 1
	}
	return &BloomFilter{
		current:  bloom.NewWithEstimates(expectedItems, falsePositiveRate),
		capacity: expectedItems,
		fpRate:   falsePositiveRate,
	}
}

func (b *BloomFilter) Add(code string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.added >= b.capacity {
		b.previous = b.current
		b.current = bloom.NewWithEstimates(b.capacity, b.fpRate)
		b.added = 0
	}
	b.current.AddString(code)
	b.added++
}

// MightExist 返回 false 表示本实例最近一定没发过这个短码。
func (b *BloomFilter) MightExist(code string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.current.TestString(code) {
		return true
	}
	return b.previous != nil && b.previous.TestString(code)
}

// Count 返回两代里的元素数量（估算）
func (b *BloomFilter) Count() uint32 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := b.current.ApproximatedSize()
	if b.previous != nil {
		n += b.previous.ApproximatedSize()
	}
	return n
}

// MintedProbe 先看本实例发过的短码，再问存储。
type MintedProbe struct {
	minted *BloomFilter
	store  shortlink.ExistenceProbe
}

func NewMintedProbe(minted *BloomFilter, store shortlink.ExistenceProbe) *MintedProbe {
	return &MintedProbe{minted: minted, store: store}
}

func (p *MintedProbe) ExistsByShortCode(ctx context.Context, code string) (bool, error) {
	if p.minted != nil && p.minted.MightExist(code) {
		return true, nil
	}
	return p.store.ExistsByShortCode(ctx, code)
}
