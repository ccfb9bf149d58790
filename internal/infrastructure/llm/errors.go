// Package llm 提供生成后端调用基础设施
package llm

import (
	"strings"
)

// 生成后端错误分类
// 上游适配器不会给出规整的错误类型，按状态码与关键字匹配，
// 未识别的错误一律视为不可重试，立即向上传播。

var quotaMarkers = []string{
	"429",
	"quota",
	"rate limit",
	"rate_limit",
	"resource_exhausted",
	"resource exhausted",
	"too many requests",
}

var overloadMarkers = []string{
	"503",
	"unavailable",
	"overloaded",
	"server is busy",
	"timeout",
	"connection reset",
}

// IsQuotaError 配额/限流类错误
func IsQuotaError(err error) bool {
	return matchAny(err, quotaMarkers)
}

// IsOverloadError 过载/瞬时网络类错误
func IsOverloadError(err error) bool {
	return matchAny(err, overloadMarkers)
}

// IsRetriable 是否可通过轮换与退避重试
func IsRetriable(err error) bool {
	return IsQuotaError(err) || IsOverloadError(err)
}

func matchAny(err error, markers []string) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range markers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
