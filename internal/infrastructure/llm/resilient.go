// Package llm 提供生成后端调用基础设施
package llm

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"fable-weaver-api/internal/config"
	apperrors "fable-weaver-api/pkg/errors"
	"fable-weaver-api/pkg/logger"
	"fable-weaver-api/pkg/metrics"
)

var tracer = otel.Tracer("llm")

// ModelProvider 按凭证提供 ChatModel
type ModelProvider interface {
	ForCredential(ctx context.Context, cred *Credential) (model.BaseChatModel, error)
}

// Client 弹性调用客户端
// 封装一次生成后端调用：配额/过载类错误标记失败、轮换凭证并指数退避重试；
// 不可重试错误立即传播；尝试次数耗尽返回 InvocationExhausted。
type Client struct {
	pool    *Pool
	factory ModelProvider

	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	model       string
}

// NewClient 创建弹性调用客户端
func NewClient(pool *Pool, factory ModelProvider, cfg *config.LLMConfig) *Client {
	return &Client{
		pool:        pool,
		factory:     factory,
		maxAttempts: cfg.Resilience.MaxAttempts,
		baseBackoff: cfg.Resilience.BaseBackoff,
		maxBackoff:  cfg.Resilience.MaxBackoff,
		model:       cfg.Provider.Model,
	}
}

// Invoke 非流式调用
func (c *Client) Invoke(ctx context.Context, messages []*schema.Message) (*schema.Message, error) {
	ctx, span := tracer.Start(ctx, "llm.Invoke",
		trace.WithAttributes(attribute.Int("max_attempts", c.maxAttempts)))
	defer span.End()

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		cred, err := c.pool.Select(ctx)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}

		chatModel, err := c.factory.ForCredential(ctx, cred)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}

		start := time.Now()
		out, err := chatModel.Generate(ctx, messages)
		metrics.LLMCallDuration.WithLabelValues(c.model).Observe(time.Since(start).Seconds())

		if err == nil {
			c.pool.MarkSuccess(cred)
			metrics.LLMCallTotal.WithLabelValues("openai", c.model, "success").Inc()
			span.SetAttributes(attribute.Int("attempts", attempt+1))
			return out, nil
		}

		if !IsRetriable(err) {
			// 请求本身有问题，重试无意义
			metrics.LLMCallTotal.WithLabelValues("openai", c.model, "fatal").Inc()
			span.RecordError(err)
			return nil, err
		}

		lastErr = err
		c.pool.MarkFailure(cred, true)
		metrics.LLMCallTotal.WithLabelValues("openai", c.model, "retriable").Inc()
		metrics.LLMRetriesTotal.Inc()
		metrics.CredentialRotationsTotal.Inc()
		logger.Warn(ctx, "llm call failed, rotating credential",
			"credential", cred.ID, "attempt", attempt+1, "error", err)

		if err := c.backoff(ctx, attempt); err != nil {
			return nil, err
		}
	}

	span.RecordError(lastErr)
	return nil, apperrors.ErrInvocationExhausted.WithError(lastErr)
}

// Stream 流式调用
// 每次尝试的分块先缓冲，待该次流完整读到结尾后一次性转发给 onChunk，
// 避免重试时重复分块；发生重试且已有缓冲被丢弃时触发 onRestart，
// 提示消费侧重新进入处理状态。
func (c *Client) Stream(ctx context.Context, messages []*schema.Message, onChunk func(text string), onRestart func()) (string, error) {
	ctx, span := tracer.Start(ctx, "llm.Stream",
		trace.WithAttributes(attribute.Int("max_attempts", c.maxAttempts)))
	defer span.End()

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		cred, err := c.pool.Select(ctx)
		if err != nil {
			span.RecordError(err)
			return "", err
		}

		chatModel, err := c.factory.ForCredential(ctx, cred)
		if err != nil {
			span.RecordError(err)
			return "", err
		}

		start := time.Now()
		full, chunks, err := c.readStream(ctx, chatModel, messages)
		metrics.LLMCallDuration.WithLabelValues(c.model).Observe(time.Since(start).Seconds())

		if err == nil {
			c.pool.MarkSuccess(cred)
			metrics.LLMCallTotal.WithLabelValues("openai", c.model, "success").Inc()
			span.SetAttributes(
				attribute.Int("attempts", attempt+1),
				attribute.Int("chunks", len(chunks)),
			)
			if onChunk != nil {
				for _, chunk := range chunks {
					onChunk(chunk)
				}
			}
			return full, nil
		}

		if !IsRetriable(err) {
			metrics.LLMCallTotal.WithLabelValues("openai", c.model, "fatal").Inc()
			span.RecordError(err)
			return "", err
		}

		lastErr = err
		c.pool.MarkFailure(cred, true)
		metrics.LLMCallTotal.WithLabelValues("openai", c.model, "retriable").Inc()
		metrics.LLMRetriesTotal.Inc()
		metrics.CredentialRotationsTotal.Inc()
		logger.Warn(ctx, "llm stream failed, rotating credential",
			"credential", cred.ID, "attempt", attempt+1, "buffered_chunks", len(chunks), "error", err)

		// 丢弃本次尝试的缓冲，提示消费侧从头开始
		if len(chunks) > 0 && onRestart != nil {
			onRestart()
		}

		if err := c.backoff(ctx, attempt); err != nil {
			return "", err
		}
	}

	span.RecordError(lastErr)
	return "", apperrors.ErrInvocationExhausted.WithError(lastErr)
}

// readStream 完整读取一次流式尝试，返回全文与分块缓冲
func (c *Client) readStream(ctx context.Context, chatModel model.BaseChatModel, messages []*schema.Message) (string, []string, error) {
	sr, err := chatModel.Stream(ctx, messages)
	if err != nil {
		return "", nil, err
	}
	defer sr.Close()

	var sb strings.Builder
	var chunks []string
	for {
		msg, err := sr.Recv()
		if err == io.EOF {
			return sb.String(), chunks, nil
		}
		if err != nil {
			return "", chunks, err
		}
		if msg.Content != "" {
			chunks = append(chunks, msg.Content)
			sb.WriteString(msg.Content)
		}
	}
}

// backoff 指数退避，受上下文取消约束
func (c *Client) backoff(ctx context.Context, attempt int) error {
	delay := c.baseBackoff << attempt
	if delay > c.maxBackoff || delay <= 0 {
		delay = c.maxBackoff
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}
