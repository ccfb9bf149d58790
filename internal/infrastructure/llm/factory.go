// Package llm 提供生成后端调用基础设施
package llm

import (
	"context"
	"fmt"
	"sync"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"

	"fable-weaver-api/internal/config"
)

// EinoFactory 按凭证管理 Eino ChatModel 实例
// 同一个供应商配置配合不同 API Key，每个凭证一个客户端，惰性创建。
type EinoFactory struct {
	config *config.LLMConfig
	models map[string]model.BaseChatModel
	mu     sync.RWMutex
}

// NewEinoFactory 创建 Eino LLM 工厂
func NewEinoFactory(cfg *config.Config) *EinoFactory {
	return &EinoFactory{
		config: &cfg.LLM,
		models: make(map[string]model.BaseChatModel),
	}
}

// ForCredential 获取指定凭证的 ChatModel
func (f *EinoFactory) ForCredential(ctx context.Context, cred *Credential) (model.BaseChatModel, error) {
	f.mu.RLock()
	m, ok := f.models[cred.ID]
	f.mu.RUnlock()
	if ok {
		return m, nil
	}

	// 惰性加载
	f.mu.Lock()
	defer f.mu.Unlock()

	// 再次检查防止竞态
	if m, ok = f.models[cred.ID]; ok {
		return m, nil
	}

	providerCfg := f.config.Provider
	maxTokens := providerCfg.MaxTokens

	// 使用 Eino 的 OpenAI 适配器
	chatModel, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		APIKey:      cred.Key,
		BaseURL:     providerCfg.BaseURL,
		Model:       providerCfg.Model,
		MaxTokens:   &maxTokens,
		Temperature: ptrFloat32(float32(providerCfg.Temperature)),
		Timeout:     providerCfg.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create eino chat model for %s: %w", cred.ID, err)
	}

	f.models[cred.ID] = chatModel
	return chatModel, nil
}

func ptrFloat32(f float32) *float32 {
	return &f
}
