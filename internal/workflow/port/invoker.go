// Package port 定义工作流层对外部能力的最小依赖
package port

import (
	"context"

	"github.com/cloudwego/eino/schema"
)

// Invoker 定义工作流层对生成后端的最小依赖（port）
// 由弹性调用客户端实现：重试、凭证轮换与退避对工作流完全透明。
type Invoker interface {
	// Invoke 非流式调用
	Invoke(ctx context.Context, messages []*schema.Message) (*schema.Message, error)

	// Stream 流式调用；onChunk 只会收到最终完成那次尝试的分块，
	// onRestart 在一次中途失败后的重启时触发。
	Stream(ctx context.Context, messages []*schema.Message, onChunk func(text string), onRestart func()) (string, error)
}
