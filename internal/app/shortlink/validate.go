package shortlink

import (
	"errors"
	"net/url"
	"regexp"
	"strings"
)

// ErrInvalidURL 是领域层对“URL 不合法”的统一错误。
//
// 设计原因：
// - 上层（HTTP）可以稳定地把它映射成 400，而不需要关心底层校验细节
var ErrInvalidURL = errors.New("invalid url")
var ErrInvalidCode = errors.New("invalid code")

// MaxURLLength 长链接的长度上限（字符数）。
const MaxURLLength = 2048

// ValidateURL 校验长链接：
// - 不能为空白
// - 不超过 2048 个字符
// - scheme 必须是 http/https，host 不能为空
func ValidateURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return ErrInvalidURL
	}
	if len([]rune(raw)) > MaxURLLength {
		return ErrInvalidURL
	}
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() {
		return ErrInvalidURL
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ErrInvalidURL
	}
	if strings.TrimSpace(u.Host) == "" {
		return ErrInvalidURL
	}
	return nil
}

// 生成的短码 = 编码结果 + 最多几位冲突后缀，留足余量。
var codeRe = regexp.MustCompile(`^[A-Za-z0-9]{1,32}$`)

var reservedCodes = map[string]struct{}{
	"api":     {},
	"healthz": {},
	"favicon": {},
}

// ValidateCode 校验外部传入的短码，挡掉明显不可能存在的请求，避免白白查一次库。
func ValidateCode(code string) error {
	if !codeRe.MatchString(code) {
		return ErrInvalidCode
	}
	if _, ok := reservedCodes[strings.ToLower(code)]; ok {
		return ErrInvalidCode
	}
	return nil
}
