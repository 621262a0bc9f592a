// Package main 是应用程序的入口点。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"smart-qa-go/internal/config"
	"smart-qa-go/internal/handler"
	"smart-qa-go/internal/middleware"
	"smart-qa-go/internal/model"
	"smart-qa-go/internal/pipeline"
	"smart-qa-go/internal/repository"
	"smart-qa-go/internal/service"
	"smart-qa-go/pkg/database"
	"smart-qa-go/pkg/embedding"
	"smart-qa-go/pkg/es"
	"smart-qa-go/pkg/kafka"
	"smart-qa-go/pkg/llm"
	"smart-qa-go/pkg/log"
	"smart-qa-go/pkg/mcptool"
	"smart-qa-go/pkg/rerank"
	"smart-qa-go/pkg/storage"
	"smart-qa-go/pkg/tika"
	"smart-qa-go/pkg/token"
)

func main() {
	// 1. 初始化配置
	config.Init("./configs/config.yaml")
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	// 3. 初始化数据库、缓存与外部存储
	database.InitMySQL(cfg.Database.MySQL.DSN)
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
	storage.InitMinIO(cfg.MinIO)
	if err := es.InitES(cfg.Elasticsearch); err != nil {
		log.Errorf("es 初始化失败 %s", err)
		return
	}
	kafka.InitProducer(cfg.Kafka)

	if err := database.DB.AutoMigrate(
		&model.User{},
		&model.KnowledgeBase{},
		&model.File{},
		&model.Chunk{},
		&model.Conversation{},
		&model.Message{},
	); err != nil {
		log.Fatalf("数据库迁移失败: %v", err)
	}

	// 4. 初始化 Repository
	userRepo := repository.NewUserRepository(database.DB)
	kbRepo := repository.NewKnowledgeBaseRepository(database.DB)
	fileRepo := repository.NewFileRepository(database.DB)
	chunkRepo := repository.NewChunkRepository(database.DB)
	convRepo := repository.NewConversationRepository(database.DB)
	historyCache := repository.NewHistoryCache(database.RDB)
	reindexLock := repository.NewReindexLock(database.RDB)

	// 5. 初始化外部服务客户端
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours, cfg.JWT.RefreshTokenExpireDays)
	tikaClient := tika.NewClient(cfg.Tika)
	embeddingClient := embedding.NewClient(cfg.Embedding)
	llmClient := llm.NewClient(cfg.LLM)
	rerankClient := rerank.NewClient(cfg.Rerank)
	searchIndex := es.NewSearchIndex(cfg.Elasticsearch.IndexName)

	// 6. 初始化 MCP 工具注册表
	toolRegistry := mcptool.NewRegistry()
	toolRegistry.RegisterFileWrite(cfg.MinIO.ToolBucketName)
	toolRegistry.ConnectServers(context.Background(), cfg.MCP.Servers)
	defer toolRegistry.Close()

	// 7. 初始化 Service (依赖注入)
	userService := service.NewUserService(userRepo, jwtManager)
	uploader := service.NewMinioUploader(cfg.MinIO.BucketName)
	kbService := service.NewKnowledgeBaseService(kbRepo, fileRepo, chunkRepo, uploader, searchIndex, nil)
	retrievalService := service.NewRetrievalService(embeddingClient, searchIndex, searchIndex, rerankClient)
	assembler := service.NewContextAssembler(chunkRepo, fileRepo)
	searchService := service.NewSearchService(retrievalService, kbRepo, fileRepo)
	conversationService := service.NewConversationService(convRepo, historyCache)
	chatService := service.NewChatService(retrievalService, assembler, llmClient, toolRegistry, convRepo, historyCache, kbRepo)

	// 8. 初始化文件索引管道并启动后台 Kafka 消费者
	processor := pipeline.NewProcessor(
		tikaClient,
		embeddingClient,
		pipeline.NewMinioObjectStore(cfg.MinIO),
		searchIndex,
		reindexLock,
		chunkRepo,
		fileRepo,
		kbRepo,
	)
	go kafka.StartConsumer(cfg.Kafka, processor)

	// 9. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(middleware.RequestLogger(), gin.Recovery())

	userHandler := handler.NewUserHandler(userService)
	authHandler := handler.NewAuthHandler(userService)
	kbHandler := handler.NewKnowledgeBaseHandler(kbService)
	searchHandler := handler.NewSearchHandler(searchService)
	convHandler := handler.NewConversationHandler(conversationService)
	chatHandler := handler.NewChatHandler(chatService, userService, jwtManager)

	// 10. 注册路由
	apiV1 := r.Group("/api/v1")
	{
		auth := apiV1.Group("/auth")
		{
			auth.POST("/refreshToken", authHandler.RefreshToken)
		}

		users := apiV1.Group("/users")
		{
			// 无需认证的路由 (公开访问)
			users.POST("/register", userHandler.Register)
			users.POST("/login", userHandler.Login)

			authed := users.Group("/")
			authed.Use(middleware.AuthMiddleware(jwtManager, userService))
			{
				authed.GET("/me", userHandler.GetProfile)
				authed.POST("/logout", userHandler.Logout)
			}
		}

		// 知识库路由组，需要认证
		kbs := apiV1.Group("/knowledge-bases")
		kbs.Use(middleware.AuthMiddleware(jwtManager, userService))
		{
			kbs.POST("", kbHandler.Create)
			kbs.GET("", kbHandler.List)
			kbs.GET("/:id", kbHandler.Get)
			kbs.PUT("/:id", kbHandler.Update)
			kbs.DELETE("/:id", kbHandler.Delete)
			kbs.GET("/:id/settings", kbHandler.Settings)
			kbs.GET("/:id/stats", kbHandler.Stats)

			kbs.POST("/:id/files", kbHandler.UploadFile)
			kbs.GET("/:id/files", kbHandler.ListFiles)
			kbs.GET("/:id/files/:fileId/chunks", kbHandler.ListFileChunks)
			kbs.POST("/:id/files/:fileId/reindex", kbHandler.ReindexFile)
			kbs.DELETE("/:id/files/:fileId", kbHandler.DeleteFile)
		}

		// Search 路由组
		search := apiV1.Group("/search")
		search.Use(middleware.AuthMiddleware(jwtManager, userService))
		{
			search.POST("/hybrid", searchHandler.Search)
		}

		// Conversation 路由组
		conversations := apiV1.Group("/conversations")
		conversations.Use(middleware.AuthMiddleware(jwtManager, userService))
		{
			conversations.GET("", convHandler.List)
			conversations.GET("/:id/messages", convHandler.GetMessages)
			conversations.PUT("/:id/title", convHandler.Rename)
			conversations.DELETE("/:id", convHandler.Delete)
		}

		// 管理员路由组：管理员可跨归属重建任意知识库的文件索引
		admin := apiV1.Group("/admin")
		admin.Use(middleware.AuthMiddleware(jwtManager, userService), middleware.AdminAuthMiddleware())
		{
			admin.POST("/knowledge-bases/:id/files/:fileId/reindex", kbHandler.ReindexFile)
		}

		// Chat 路由组
		chat := apiV1.Group("/chat")
		chat.Use(middleware.AuthMiddleware(jwtManager, userService))
		{
			chat.POST("/completions", chatHandler.Completions)
			chat.POST("/completions/stream", chatHandler.StreamCompletions)
		}
	}
	// WebSocket 通过路径 token 自行鉴权，不走认证中间件
	r.GET("/chat/:token", chatHandler.HandleWebSocket)

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("HTTP 服务器关闭失败: %v", err)
	}
	log.Info("服务已优雅关闭")
}
