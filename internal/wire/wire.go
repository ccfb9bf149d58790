// Package wire 提供依赖注入装配
package wire

import (
	"context"

	einoembedding "github.com/cloudwego/eino/components/embedding"

	"fable-weaver-api/internal/application/lore"
	"fable-weaver-api/internal/application/story"
	"fable-weaver-api/internal/config"
	infraembedding "fable-weaver-api/internal/infrastructure/embedding"
	"fable-weaver-api/internal/infrastructure/llm"
	"fable-weaver-api/internal/infrastructure/persistence/milvus"
	"fable-weaver-api/internal/infrastructure/persistence/postgres"
	"fable-weaver-api/internal/infrastructure/persistence/redis"
	"fable-weaver-api/internal/interfaces/http/handler"
	"fable-weaver-api/internal/interfaces/http/router"
	"fable-weaver-api/internal/interfaces/ws"
	"fable-weaver-api/internal/workflow/chain"
	"fable-weaver-api/internal/workflow/pipeline"
	workflowport "fable-weaver-api/internal/workflow/port"
	workflowprompt "fable-weaver-api/internal/workflow/prompt"
	"fable-weaver-api/pkg/logger"
)

// App 装配完成的应用
type App struct {
	Router *router.Router
	Orch   *pipeline.Orchestrator
}

// cleanupStack 按后进先出执行清理函数
type cleanupStack struct {
	fns []func()
}

func (s *cleanupStack) push(fn func()) {
	s.fns = append(s.fns, fn)
}

func (s *cleanupStack) run() {
	for i := len(s.fns) - 1; i >= 0; i-- {
		s.fns[i]()
	}
}

// InitializeApp 初始化整个应用
func InitializeApp(ctx context.Context, cfg *config.Config) (*App, func(), error) {
	cleanup := &cleanupStack{}

	// PostgreSQL
	pgClient, err := ProvidePostgresClient(cfg)
	if err != nil {
		return nil, nil, err
	}
	cleanup.push(func() { _ = pgClient.Close() })

	txManager := postgres.NewTxManager(pgClient)
	storyRepo := postgres.NewStoryRepository(pgClient)
	chapterRepo := postgres.NewChapterRepository(pgClient)
	worldStateRepo := postgres.NewWorldStateRepository(pgClient)
	snapshotRepo := postgres.NewSnapshotRepository(pgClient)

	// Redis
	redisClient, err := ProvideRedisClient(cfg)
	if err != nil {
		cleanup.run()
		return nil, nil, err
	}
	cleanup.push(func() { _ = redisClient.Close() })

	cache := redis.NewCache(redisClient)
	rateLimiter := redis.NewRateLimiter(redisClient)

	// Milvus 与 Embedding 是可选能力，不可用时降级为无向量检索
	milvusClient, milvusRepo := ProvideMilvusOptional(ctx, cfg, cleanup)
	embedder := ProvideEmbedderOptional(ctx, cfg)
	loreMemory := ProvideLoreMemory(cfg, embedder, milvusRepo)

	// 生成后端：凭证池 + 弹性调用客户端
	pool := llm.NewPool(&cfg.LLM)
	factory := llm.NewEinoFactory(cfg)
	llmClient := llm.NewClient(pool, factory, &cfg.LLM)

	// 工作流
	registry := workflowprompt.NewRegistry()
	researchChain := chain.NewResearchChain(registry, llmClient)
	synthesisChain := chain.NewSynthesisChain(registry, llmClient)
	chapterChain := chain.NewChapterChain(registry, llmClient)
	archivistChain := chain.NewArchivistChain(registry, llmClient)

	orch := pipeline.NewOrchestrator(
		storyRepo, chapterRepo, worldStateRepo, txManager,
		researchChain, synthesisChain, chapterChain, archivistChain,
		loreMemory, ProvideStoryCache(cache), &cfg.Pipeline,
	)

	// 应用服务
	storyService := story.NewService(storyRepo, chapterRepo, txManager, orch, cache, ProvideLoreForgetter(loreMemory))
	branchService := story.NewBranchService(storyRepo, chapterRepo, worldStateRepo, txManager, orch)
	worldStateService := story.NewWorldStateService(storyRepo, chapterRepo, worldStateRepo, snapshotRepo, txManager, orch, cache)

	// 接口层
	sessionManager := ws.NewManager()
	sessionHandler := ws.NewHandler(
		sessionManager, orch, storyService, worldStateService,
		rateLimiter, &cfg.Session, cfg.Pipeline.HeartbeatInterval,
	)

	handlers := &router.Handlers{
		Health:     handler.NewHealthHandler(pgClient, redisClient, milvusClient),
		Story:      handler.NewStoryHandler(storyService),
		WorldState: handler.NewWorldStateHandler(worldStateService),
		Branch:     handler.NewBranchHandler(branchService),
		Session:    sessionHandler,
	}

	app := &App{
		Router: router.New(cfg, handlers, rateLimiter),
		Orch:   orch,
	}
	return app, cleanup.run, nil
}

// ProvidePostgresClient 提供 PostgreSQL 客户端并同步表结构
func ProvidePostgresClient(cfg *config.Config) (*postgres.Client, error) {
	client, err := postgres.NewClient(&cfg.Database.Postgres)
	if err != nil {
		return nil, err
	}
	if err := client.AutoMigrate(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// ProvideRedisClient 提供 Redis 客户端
func ProvideRedisClient(cfg *config.Config) (*redis.Client, error) {
	return redis.NewClient(&cfg.Cache.Redis)
}

// ProvideMilvusOptional 提供可选的 Milvus 客户端与仓储。
// 未启用或连接失败时返回 nil，不阻塞启动。
func ProvideMilvusOptional(ctx context.Context, cfg *config.Config, cleanup *cleanupStack) (*milvus.Client, *milvus.Repository) {
	if !cfg.Vector.Milvus.Enabled {
		return nil, nil
	}
	client, err := milvus.NewClient(ctx, &cfg.Vector.Milvus)
	if err != nil {
		logger.Warn(ctx, "milvus not available, lore retrieval disabled", "error", err.Error())
		return nil, nil
	}
	cleanup.push(func() { _ = client.Close() })

	repo := milvus.NewRepository(client)
	if err := repo.EnsureCollection(ctx); err != nil {
		logger.Warn(ctx, "milvus collection not ready, lore retrieval disabled", "error", err.Error())
		return client, nil
	}
	return client, repo
}

// ProvideEmbedderOptional 提供可选的 Embedder
func ProvideEmbedderOptional(ctx context.Context, cfg *config.Config) einoembedding.Embedder {
	if cfg.Embedding.APIKey == "" {
		return nil
	}
	embedder, err := infraembedding.NewEinoEmbedder(ctx, &cfg.Embedding)
	if err != nil {
		logger.Warn(ctx, "embedding not available, lore retrieval disabled", "error", err.Error())
		return nil
	}
	return embedder
}

// ProvideLoreMemory Embedder 与 Milvus 都就绪时才启用研究记忆
func ProvideLoreMemory(cfg *config.Config, embedder einoembedding.Embedder, repo *milvus.Repository) workflowport.LoreMemory {
	if embedder == nil || repo == nil {
		return nil
	}
	return lore.NewMemory(embedder, repo, &cfg.Vector.Milvus)
}

// ProvideLoreForgetter 将研究记忆适配为删除时的清理接口
func ProvideLoreForgetter(mem workflowport.LoreMemory) story.LoreForgetter {
	if mem == nil {
		return nil
	}
	return mem
}

// ProvideStoryCache 将 Redis 缓存适配为流水线的失效接口
func ProvideStoryCache(cache *redis.Cache) pipeline.StoryCache {
	if cache == nil {
		return nil
	}
	return cache
}
