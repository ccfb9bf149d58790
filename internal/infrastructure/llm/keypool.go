// Package llm 提供生成后端调用基础设施
package llm

import (
	"context"
	"sync"
	"time"

	"fable-weaver-api/internal/config"
	apperrors "fable-weaver-api/pkg/errors"
	"fable-weaver-api/pkg/metrics"
)

// Pool 凭证池
// 所有状态变更在互斥锁内完成：并行研究扇出与多个故事的回合
// 会并发调用 Select/MarkFailure/MarkSuccess。
type Pool struct {
	mu          sync.Mutex
	credentials []*Credential

	cooldownBase time.Duration
	cooldownMax  time.Duration
	maxWait      time.Duration
}

// NewPool 从配置创建凭证池
func NewPool(cfg *config.LLMConfig) *Pool {
	p := &Pool{
		cooldownBase: cfg.Resilience.CooldownBase,
		cooldownMax:  cfg.Resilience.CooldownMax,
		maxWait:      cfg.Resilience.SelectMaxWait,
	}
	for i, c := range cfg.Credentials {
		p.credentials = append(p.credentials, NewCredential(i, c.Key, c.QuotaGroup))
	}
	p.updateGauges()
	return p
}

// Size 凭证总数
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.credentials)
}

// Select 选取凭证
// 优先返回最久未失败的可用凭证；全部冷却时等待最早到期的冷却，
// 等待超出上限或全部凭证不可恢复时返回 PoolExhausted。
func (p *Pool) Select(ctx context.Context) (*Credential, error) {
	deadline := time.Now().Add(p.maxWait)

	for {
		p.mu.Lock()
		now := time.Now()

		var pick *Credential
		var soonest time.Time
		for _, c := range p.credentials {
			if c.State == StateCooling {
				if !c.CooldownUntil.After(now) {
					c.State = StateAvailable
				} else if soonest.IsZero() || c.CooldownUntil.Before(soonest) {
					soonest = c.CooldownUntil
				}
			}
			if c.State == StateAvailable {
				if pick == nil || c.LastFailureAt.Before(pick.LastFailureAt) {
					pick = c
				}
			}
		}
		if pick != nil {
			p.updateGaugesLocked()
			p.mu.Unlock()
			return pick, nil
		}
		p.mu.Unlock()

		// 没有可等待的冷却：全部凭证已不可恢复
		if soonest.IsZero() {
			return nil, apperrors.ErrPoolExhausted
		}
		if soonest.After(deadline) {
			return nil, apperrors.ErrPoolExhausted.WithDetail("nearest cooldown exceeds bounded wait")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Until(soonest)):
		}
	}
}

// MarkFailure 记录凭证失败
// 可重试失败进入指数冷却（base × 2^failures，封顶）；不可重试标记为耗尽。
func (p *Pool) MarkFailure(cred *Credential, retriable bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cred.LastFailureAt = time.Now()
	if !retriable {
		cred.State = StateExhausted
		p.updateGaugesLocked()
		return
	}

	cooldown := p.cooldownBase << cred.FailureCount
	if cooldown > p.cooldownMax || cooldown <= 0 {
		cooldown = p.cooldownMax
	}
	cred.FailureCount++
	cred.CooldownUntil = time.Now().Add(cooldown)
	cred.State = StateCooling
	p.updateGaugesLocked()
}

// MarkSuccess 记录凭证成功，清除失败计数与冷却
func (p *Pool) MarkSuccess(cred *Credential) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cred.FailureCount = 0
	cred.CooldownUntil = time.Time{}
	cred.State = StateAvailable
	p.updateGaugesLocked()
}

// Reset 手动复位全部耗尽凭证
func (p *Pool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, c := range p.credentials {
		if c.State == StateExhausted {
			c.State = StateAvailable
			c.FailureCount = 0
			c.CooldownUntil = time.Time{}
		}
	}
	p.updateGaugesLocked()
}

// Snapshot 导出凭证状态视图（诊断用）
func (p *Pool) Snapshot() []Credential {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Credential, 0, len(p.credentials))
	for _, c := range p.credentials {
		out = append(out, *c)
	}
	return out
}

func (p *Pool) updateGauges() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updateGaugesLocked()
}

func (p *Pool) updateGaugesLocked() {
	counts := map[CredentialState]int{}
	now := time.Now()
	for _, c := range p.credentials {
		state := c.State
		if state == StateCooling && !c.CooldownUntil.After(now) {
			state = StateAvailable
		}
		counts[state]++
	}
	for _, state := range []CredentialState{StateAvailable, StateCooling, StateExhausted} {
		metrics.CredentialsByState.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}
