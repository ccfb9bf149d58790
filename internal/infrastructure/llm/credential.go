// Package llm 提供生成后端调用基础设施：凭证池、模型工厂与弹性客户端
package llm

import (
	"fmt"
	"time"
)

// CredentialState 凭证状态
type CredentialState string

const (
	// StateAvailable 可用
	StateAvailable CredentialState = "available"
	// StateCooling 冷却中，冷却到期后自动恢复可用
	StateCooling CredentialState = "cooling"
	// StateExhausted 不可恢复失败，需手动重置
	StateExhausted CredentialState = "exhausted"
)

// Credential API 凭证
// 仅存活于进程生命周期内，状态由凭证池在锁内统一变更。
type Credential struct {
	ID            string
	Key           string
	QuotaGroup    string
	State         CredentialState
	FailureCount  int
	CooldownUntil time.Time
	LastFailureAt time.Time
}

// NewCredential 创建凭证
func NewCredential(index int, key, quotaGroup string) *Credential {
	return &Credential{
		ID:         fmt.Sprintf("cred-%d", index),
		Key:        key,
		QuotaGroup: quotaGroup,
		State:      StateAvailable,
	}
}
