package idgen

import "time"

// DefaultEpoch 是时间戳的起点。41 位毫秒从这里开始计，大约可以用到 2093 年。
var DefaultEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Clock 是生成器唯一的外部依赖：返回“自纪元以来的毫秒数”。
//
// 设计原因：
// - 测试里可以注入固定/可控的时间，验证同毫秒递增、序列耗尽、时钟回拨
// - 生成器本身不关心纪元是什么，纪元由 Clock 的实现决定
type Clock interface {
	NowMillis() int64
}

// ClockFunc 让普通函数满足 Clock。
type ClockFunc func() int64

func (f ClockFunc) NowMillis() int64 { return f() }

type systemClock struct {
	epochMS int64
}

// SystemClock 返回基于墙上时钟的 Clock，结果为 now - epoch 的毫秒数。
func SystemClock(epoch time.Time) Clock {
	return systemClock{epochMS: epoch.UnixMilli()}
}

func (c systemClock) NowMillis() int64 {
	return time.Now().UnixMilli() - c.epochMS
}
