// Package logmask 在写日志前遮掉长链接里的敏感信息。
package logmask

import (
	"regexp"
)

var (
	emailRe = regexp.MustCompile(`([A-Za-z0-9._%+-])[A-Za-z0-9._%+-]*@([A-Za-z0-9.-]+\.[A-Za-z]{2,})`)
	// token=xxx / api_key=xxx 之类的查询参数，值替换为 ***
	paramRe = regexp.MustCompile(`(?i)([?&](?:[a-z0-9_]*?)(?:token|secret|password|passwd|credential|api_?key)[a-z0-9_]*=)[^&#\s"]*`)
)

// URL 遮掉查询参数里的凭证和邮箱。
func URL(raw string) string {
	return Email(paramRe.ReplaceAllString(raw, "${1}***"))
}

// Email 只保留邮箱首字母和域名：alice@example.com -> a***@example.com
func Email(s string) string {
	return emailRe.ReplaceAllString(s, "${1}***@${2}")
}

// Payload 用于记录解析失败的原始载荷：截断到 256 字节后再遮掉凭证。
func Payload(b []byte) string {
	const max = 256
	s := string(b)
	if len(s) > max {
		s = s[:max] + "...(truncated)"
	}
	return URL(s)
}
