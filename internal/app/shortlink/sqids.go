package shortlink

import (
	"fmt"

	"github.com/sqids/sqids-go"
)

const sqidsAlphabet = "k3G7QAe51FCsiWrNOYBUwM6XzZvdLT4j9JhyHKg2cVbxfERq0mSoI8lDpunPat"

// SqidsCodec 用 sqids 编码 ID：输出看起来更随机，代价是比 Base62 长一到两位。
type SqidsCodec struct {
	sq *sqids.Sqids
}

func NewSqidsCodec(minLength uint8) (*SqidsCodec, error) {
	sq, err := sqids.New(sqids.Options{
		Alphabet:  sqidsAlphabet,
		MinLength: minLength,
	})
	if err != nil {
		return nil, fmt.Errorf("sqids init: %w", err)
	}
	return &SqidsCodec{sq: sq}, nil
}

func (s *SqidsCodec) Alphabet() string { return sqidsAlphabet }

func (s *SqidsCodec) Encode(id int64) (string, error) {
	if id <= 0 {
		return "", fmt.Errorf("%w: %d", ErrNonPositiveID, id)
	}
	return s.sq.Encode([]uint64{uint64(id)})
}
