package llm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fable-weaver-api/internal/config"
	apperrors "fable-weaver-api/pkg/errors"
)

type fakeChatModel struct {
	generate func(ctx context.Context, in []*schema.Message) (*schema.Message, error)
	stream   func(ctx context.Context, in []*schema.Message) (*schema.StreamReader[*schema.Message], error)
}

func (m *fakeChatModel) Generate(ctx context.Context, in []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	return m.generate(ctx, in)
}

func (m *fakeChatModel) Stream(ctx context.Context, in []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return m.stream(ctx, in)
}

// fakeProvider 按凭证 ID 分发模型，并记录使用顺序
type fakeProvider struct {
	mu     sync.Mutex
	used   []string
	byCred map[string]*fakeChatModel
}

func (p *fakeProvider) ForCredential(_ context.Context, cred *Credential) (model.BaseChatModel, error) {
	p.mu.Lock()
	p.used = append(p.used, cred.ID)
	p.mu.Unlock()
	return p.byCred[cred.ID], nil
}

func newTestClient(pool *Pool, provider *fakeProvider, maxAttempts int) *Client {
	cfg := &config.LLMConfig{}
	cfg.Provider.Model = "test-model"
	cfg.Resilience.MaxAttempts = maxAttempts
	cfg.Resilience.BaseBackoff = time.Millisecond
	cfg.Resilience.MaxBackoff = 5 * time.Millisecond
	return NewClient(pool, provider, cfg)
}

func quotaModel() *fakeChatModel {
	return &fakeChatModel{
		generate: func(context.Context, []*schema.Message) (*schema.Message, error) {
			return nil, errors.New("429 too many requests")
		},
		stream: func(context.Context, []*schema.Message) (*schema.StreamReader[*schema.Message], error) {
			return nil, errors.New("429 too many requests")
		},
	}
}

func successModel(content string) *fakeChatModel {
	return &fakeChatModel{
		generate: func(context.Context, []*schema.Message) (*schema.Message, error) {
			return schema.AssistantMessage(content, nil), nil
		},
		stream: func(context.Context, []*schema.Message) (*schema.StreamReader[*schema.Message], error) {
			return schema.StreamReaderFromArray([]*schema.Message{
				schema.AssistantMessage(content, nil),
			}), nil
		},
	}
}

func userMessages() []*schema.Message {
	return []*schema.Message{schema.UserMessage("hello")}
}

func TestClientInvokeRotatesCredentialsOnQuotaError(t *testing.T) {
	pool := newTestPool(3, time.Millisecond, time.Second, time.Second)
	provider := &fakeProvider{byCred: map[string]*fakeChatModel{
		"cred-0": quotaModel(),
		"cred-1": quotaModel(),
		"cred-2": successModel("done"),
	}}
	client := newTestClient(pool, provider, 5)

	out, err := client.Invoke(context.Background(), userMessages())
	require.NoError(t, err)
	assert.Equal(t, "done", out.Content)
	assert.Equal(t, []string{"cred-0", "cred-1", "cred-2"}, provider.used)

	// 失败的两个进入冷却，成功的保持可用
	snapshot := pool.Snapshot()
	states := map[string]CredentialState{}
	for _, c := range snapshot {
		states[c.ID] = c.State
	}
	assert.Equal(t, StateCooling, states["cred-0"])
	assert.Equal(t, StateCooling, states["cred-1"])
	assert.Equal(t, StateAvailable, states["cred-2"])
}

func TestClientInvokeFatalErrorPropagatesImmediately(t *testing.T) {
	pool := newTestPool(2, time.Millisecond, time.Second, time.Second)
	fatal := errors.New("invalid request: missing field")
	provider := &fakeProvider{byCred: map[string]*fakeChatModel{
		"cred-0": {generate: func(context.Context, []*schema.Message) (*schema.Message, error) {
			return nil, fatal
		}},
		"cred-1": successModel("never reached"),
	}}
	client := newTestClient(pool, provider, 5)

	_, err := client.Invoke(context.Background(), userMessages())
	require.ErrorIs(t, err, fatal)
	assert.Equal(t, []string{"cred-0"}, provider.used)

	// 请求级错误不归咎于凭证
	assert.Equal(t, StateAvailable, pool.Snapshot()[0].State)
}

func TestClientInvokeExhaustedAfterMaxAttempts(t *testing.T) {
	pool := newTestPool(3, time.Millisecond, 2*time.Millisecond, time.Second)
	provider := &fakeProvider{byCred: map[string]*fakeChatModel{
		"cred-0": quotaModel(),
		"cred-1": quotaModel(),
		"cred-2": quotaModel(),
	}}
	client := newTestClient(pool, provider, 2)

	_, err := client.Invoke(context.Background(), userMessages())
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrInvocationExhausted))
	assert.Len(t, provider.used, 2)
}

func TestClientInvokePoolExhaustedPropagates(t *testing.T) {
	pool := newTestPool(1, time.Minute, time.Hour, 5*time.Millisecond)
	provider := &fakeProvider{byCred: map[string]*fakeChatModel{
		"cred-0": quotaModel(),
	}}
	client := newTestClient(pool, provider, 5)

	_, err := client.Invoke(context.Background(), userMessages())
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrPoolExhausted))
}

func TestClientStreamFlushesOnlyCompletedAttempt(t *testing.T) {
	pool := newTestPool(2, time.Millisecond, time.Second, time.Second)

	// 第一次尝试吐出两个分块后中途失败，第二次完整成功
	midFail := &fakeChatModel{
		stream: func(context.Context, []*schema.Message) (*schema.StreamReader[*schema.Message], error) {
			sr, sw := schema.Pipe[*schema.Message](4)
			sw.Send(schema.AssistantMessage("Once", nil), nil)
			sw.Send(schema.AssistantMessage(" upon", nil), nil)
			sw.Send(nil, errors.New("503 service unavailable"))
			sw.Close()
			return sr, nil
		},
	}
	complete := &fakeChatModel{
		stream: func(context.Context, []*schema.Message) (*schema.StreamReader[*schema.Message], error) {
			return schema.StreamReaderFromArray([]*schema.Message{
				schema.AssistantMessage("Once upon", nil),
				schema.AssistantMessage(" a time.", nil),
			}), nil
		},
	}
	provider := &fakeProvider{byCred: map[string]*fakeChatModel{
		"cred-0": midFail,
		"cred-1": complete,
	}}
	client := newTestClient(pool, provider, 5)

	var chunks []string
	restarts := 0
	full, err := client.Stream(context.Background(), userMessages(), func(text string) {
		chunks = append(chunks, text)
	}, func() {
		restarts++
	})
	require.NoError(t, err)

	// 只转发最终完成那次尝试的分块，失败尝试的缓冲被丢弃
	assert.Equal(t, "Once upon a time.", full)
	assert.Equal(t, []string{"Once upon", " a time."}, chunks)
	assert.Equal(t, 1, restarts)
}

func TestClientStreamNoRestartWithoutBufferedChunks(t *testing.T) {
	pool := newTestPool(2, time.Millisecond, time.Second, time.Second)
	provider := &fakeProvider{byCred: map[string]*fakeChatModel{
		"cred-0": quotaModel(),
		"cred-1": successModel("hello"),
	}}
	client := newTestClient(pool, provider, 5)

	restarts := 0
	full, err := client.Stream(context.Background(), userMessages(), nil, func() {
		restarts++
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", full)
	// 失败发生在任何分块之前，无需提示重启
	assert.Equal(t, 0, restarts)
}

func TestErrorClassification(t *testing.T) {
	assert.True(t, IsQuotaError(errors.New("429 Too Many Requests")))
	assert.True(t, IsQuotaError(errors.New("quota exceeded for project")))
	assert.True(t, IsQuotaError(errors.New("RESOURCE_EXHAUSTED")))
	assert.True(t, IsOverloadError(errors.New("503 upstream unavailable")))
	assert.True(t, IsOverloadError(errors.New("read tcp: connection reset by peer")))
	assert.False(t, IsRetriable(errors.New("invalid api key")))
	assert.False(t, IsRetriable(nil))
}
