package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/xxxsen/common/logger"
	"github.com/xxxsen/common/logutil"
	"github.com/xxxsen/common/webapi"
	"go.uber.org/zap"

	"github.com/xxxsen/meetnote/internal/ai"
	"github.com/xxxsen/meetnote/internal/align"
	"github.com/xxxsen/meetnote/internal/audio"
	"github.com/xxxsen/meetnote/internal/config"
	"github.com/xxxsen/meetnote/internal/db"
	"github.com/xxxsen/meetnote/internal/embedcache"
	"github.com/xxxsen/meetnote/internal/filestore"
	"github.com/xxxsen/meetnote/internal/handler"
	"github.com/xxxsen/meetnote/internal/hub"
	"github.com/xxxsen/meetnote/internal/job"
	"github.com/xxxsen/meetnote/internal/metrics"
	"github.com/xxxsen/meetnote/internal/middleware"
	"github.com/xxxsen/meetnote/internal/pkg/jwt"
	"github.com/xxxsen/meetnote/internal/rag"
	"github.com/xxxsen/meetnote/internal/repo"
	"github.com/xxxsen/meetnote/internal/schedule"
	"github.com/xxxsen/meetnote/internal/service"
	"github.com/xxxsen/meetnote/internal/speech"
	"github.com/xxxsen/meetnote/internal/vectorstore"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "meetnote",
		Short: "meeting transcription and question answering server",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.json or config.yaml")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run meetnote server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return runServer(cfg)
		},
	}

	var reindexAll bool
	reindexCmd := &cobra.Command{
		Use:   "reindex [meeting-id...]",
		Short: "rebuild retrieval indexes of completed meetings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if len(args) == 0 && !reindexAll {
				return fmt.Errorf("meeting ids or --pending are required")
			}
			return runReindex(cmd.Context(), cfg, args)
		},
	}
	reindexCmd.Flags().BoolVar(&reindexAll, "pending", false, "index every completed meeting without an index")

	var (
		subject string
		email   string
		role    string
		ttl     time.Duration
	)
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "mint an access token for ingestion bots and observers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return fmt.Errorf("jwt_secret is not configured")
			}
			if subject == "" {
				return fmt.Errorf("--subject is required")
			}
			token, err := jwt.GenerateToken(subject, email, role, []byte(cfg.JWTSecret), ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	tokenCmd.Flags().StringVar(&subject, "subject", "", "token subject")
	tokenCmd.Flags().StringVar(&email, "email", "", "identity shown to other observers")
	tokenCmd.Flags().StringVar(&role, "role", "", "free form role, e.g. ingest or observer")
	tokenCmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")

	rootCmd.AddCommand(runCmd, reindexCmd, tokenCmd)

	if err := rootCmd.Execute(); err != nil {
		logutil.GetLogger(context.Background()).Fatal("startup error", zap.Error(err))
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return nil, fmt.Errorf("--config is required")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger.Init(
		cfg.LogConfig.File,
		cfg.LogConfig.Level,
		int(cfg.LogConfig.FileCount),
		int(cfg.LogConfig.FileSize),
		int(cfg.LogConfig.KeepDays),
		cfg.LogConfig.Console,
	)
	logutil.GetLogger(context.Background()).Info("config loaded", zap.String("config", path))
	return cfg, nil
}

// components is everything the server and the offline commands share.
type components struct {
	db          *sql.DB
	records     service.MeetingRecords
	cacheRepo   *repo.EmbeddingCacheRepo
	files       filestore.Store
	metrics     *metrics.Metrics
	hub         *hub.Hub
	transcriber speech.Transcriber
	diarizer    speech.Diarizer
	generator   ai.IGenerator
	embedder    ai.IEmbedder
	indexer     *rag.Indexer
	engine      *rag.Engine
	meetings    *service.MeetingService
}

func (c *components) Close() {
	if c.db != nil {
		_ = c.db.Close()
	}
}

func buildComponents(cfg *config.Config) (*components, error) {
	c := &components{metrics: metrics.NewMetrics(), hub: hub.New()}
	if cfg.Database.Enabled() {
		conn, err := db.Open(cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("open db: %w", err)
		}
		if err := db.ApplyMigrations(conn); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		c.db = conn
		c.records = repo.NewMeetingRepo(conn)
		c.cacheRepo = repo.NewEmbeddingCacheRepo(conn)
	} else {
		logutil.GetLogger(context.Background()).Warn("database not configured, meetings are kept in memory")
		c.records = repo.NewMemoryMeetingRepo()
	}

	fsCfg := cfg.FileStore
	if fsCfg.Type == "local" && fsCfg.Data == nil {
		fsCfg.Data = map[string]interface{}{"dir": "./data/archive"}
	}
	files, err := filestore.New(fsCfg)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("init file store: %w", err)
	}
	c.files = files

	if c.transcriber, err = speech.NewTranscriber(cfg.Speech); err != nil {
		c.Close()
		return nil, fmt.Errorf("init transcriber: %w", err)
	}
	if c.diarizer, err = speech.NewDiarizer(cfg.Speech); err != nil {
		c.Close()
		return nil, fmt.Errorf("init diarizer: %w", err)
	}
	if c.generator, err = ai.BuildGenerator(cfg.AI.Generators); err != nil {
		c.Close()
		return nil, err
	}
	if c.embedder, err = ai.BuildEmbedder(cfg.AI.Embedders); err != nil {
		c.Close()
		return nil, err
	}
	if c.embedder != nil {
		if cfg.EmbedCache.UseDB && c.cacheRepo != nil {
			c.embedder = embedcache.WrapDBCacheToEmbedder(c.embedder, c.cacheRepo)
		}
		c.embedder = embedcache.WrapLruCacheToEmbedder(c.embedder, cfg.EmbedCache.LRUSize,
			time.Duration(cfg.EmbedCache.LRUTTLSeconds)*time.Second)
	}

	store, err := vectorstore.New(cfg.RAG.VectorStore, vectorstore.Deps{DB: c.db})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("init vector store: %w", err)
	}
	if c.embedder != nil {
		c.indexer = rag.NewIndexer(store, c.embedder, rag.IndexerConfig{
			Chunk:     rag.ChunkOptions{Size: cfg.RAG.ChunkSize, Overlap: cfg.RAG.ChunkOverlap},
			BatchSize: cfg.RAG.EmbedBatchSize,
		})
	}
	c.engine = rag.NewEngine(store, c.embedder, c.generator, rag.EngineConfig{
		TopK:            cfg.RAG.TopK,
		GenerateTimeout: time.Duration(cfg.AI.Timeout) * time.Second,
	})
	c.meetings = service.NewMeetingService(service.MeetingServiceDeps{
		Records: c.records,
		Indexer: c.indexer,
		Engine:  c.engine,
		Files:   c.files,
		Hub:     c.hub,
		Metrics: c.metrics,
	})
	return c, nil
}

func runServer(cfg *config.Config) error {
	logutil.GetLogger(context.Background()).Info(
		"starting server",
		zap.Int("port", cfg.Port),
		zap.Bool("database", cfg.Database.Enabled()),
		zap.String("vector_store", cfg.RAG.VectorStore),
		zap.String("file_store", cfg.FileStore.Type),
	)
	c, err := buildComponents(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var aiManager *ai.Manager
	if c.generator != nil {
		aiManager = ai.NewManager(c.generator, c.embedder, ai.ManagerConfig{
			Timeout:       cfg.AI.Timeout,
			MaxInputChars: cfg.AI.MaxInputChars,
		})
	}
	pipeline := service.NewPipeline(service.PipelineDeps{
		Records:     c.records,
		Hub:         c.hub,
		Transcriber: c.transcriber,
		Diarizer:    c.diarizer,
		AI:          aiManager,
		Indexer:     c.indexer,
		Files:       c.files,
		Metrics:     c.metrics,
		Align:       align.Options{MinCoverage: cfg.Align.MinCoverage},
	})
	queue := service.NewAnalysisQueue(pipeline, service.AnalysisQueueConfig{
		Workers:   cfg.Analysis.Workers,
		QueueSize: cfg.Analysis.QueueSize,
		Timeout:   time.Duration(cfg.Analysis.TimeoutSeconds) * time.Second,
	}, c.metrics)
	queue.Start(context.Background())

	format := audio.Format{
		SampleRate:     cfg.Audio.SampleRate,
		Channels:       cfg.Audio.Channels,
		BytesPerSample: cfg.Audio.BytesPerSample,
	}
	idle := time.Duration(cfg.Audio.IdleTimeoutSeconds) * time.Second
	sessions := service.NewSessionManager(service.SessionConfig{
		ChunkSeconds:     cfg.Audio.ChunkSeconds,
		MaxBufferBytes:   cfg.Audio.MaxBufferBytes,
		SilenceThreshold: cfg.Audio.SilenceThreshold,
		RecordingDir:     cfg.Audio.RecordingDir,
		LiveQueueSize:    cfg.Audio.LiveQueueSize,
		IdleTimeout:      idle,
	}, service.SessionDeps{
		Records:     c.records,
		Hub:         c.hub,
		Transcriber: c.transcriber,
		Queue:       queue,
		Metrics:     c.metrics,
	})

	scheduler := schedule.NewCronScheduler(10 * time.Minute)
	if err := addJobs(scheduler, cfg, c, sessions); err != nil {
		return err
	}
	scheduler.Start(ctx)

	deps := handler.RouterDeps{
		Meetings: handler.NewMeetingHandler(c.meetings),
		Ingest: handler.NewIngestHandler(sessions, handler.IngestConfig{
			Format:      format,
			IdleTimeout: idle,
		}),
		Events: handler.NewEventsHandler(c.meetings, c.hub, c.metrics),
		Health: handler.NewHealthHandler(sessions, queue, c.hub, handler.HealthCheck{
			Transcriber: c.transcriber.Available(),
			Diarizer:    c.diarizer.Available(),
			Generator:   c.generator != nil,
			Embedder:    c.embedder != nil,
		}),
		Metrics:      c.metrics,
		JWTSecret:    []byte(cfg.JWTSecret),
		AskRateLimit: time.Duration(cfg.AskRateLimitSeconds) * time.Second,
	}

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	engine, err := webapi.NewEngine(
		"/api/v1",
		addr,
		webapi.WithRegister(func(group *gin.RouterGroup) {
			handler.RegisterRoutes(group, deps)
		}),
		webapi.WithExtraMiddlewares(
			middleware.RequestID(),
			middleware.CORS(cfg.CORS),
			gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPathsRegexs([]string{`/ingest$`, `/events$`, `/recording$`})),
		),
	)
	if err != nil {
		return fmt.Errorf("init web engine: %w", err)
	}
	logutil.GetLogger(ctx).Info("http server listening", zap.String("addr", addr))

	go func() {
		if err := engine.Run(); err != nil && err != http.ErrServerClosed {
			logutil.GetLogger(context.Background()).Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logutil.GetLogger(context.Background()).Info("server stopping...")
	shutdownCtx := context.Background()
	scheduler.Stop()
	sessions.Shutdown(shutdownCtx)
	queue.Stop()
	return nil
}

type scheduledJob struct {
	job  schedule.Job
	spec string
}

func addJobs(scheduler *schedule.CronScheduler, cfg *config.Config, c *components, sessions *service.SessionManager) error {
	recordingMaxAge := time.Duration(cfg.Jobs.RecordingMaxAgeDays) * 24 * time.Hour
	items := []scheduledJob{
		{job: job.NewSessionReaperJob(sessions), spec: cfg.Jobs.SessionReaper},
		{job: job.NewRecordingCleanupJob(c.meetings, recordingMaxAge), spec: cfg.Jobs.RecordingCleanup},
		{job: job.NewReindexPendingJob(c.meetings, 0), spec: cfg.Jobs.ReindexPending},
	}
	if c.cacheRepo != nil {
		items = append(items, scheduledJob{
			job:  job.NewEmbeddingCacheCleanupJob(c.cacheRepo, cfg.Jobs.EmbeddingCacheMaxDays),
			spec: cfg.Jobs.EmbeddingCacheCleanup,
		})
	}
	for _, item := range items {
		if err := scheduler.AddJob(item.job, item.spec); err != nil {
			return err
		}
	}
	return nil
}

func runReindex(ctx context.Context, cfg *config.Config, ids []string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c, err := buildComponents(cfg)
	if err != nil {
		return err
	}
	defer c.Close()
	if c.indexer == nil {
		return fmt.Errorf("no embedder configured")
	}
	logger := logutil.GetLogger(ctx)
	if len(ids) == 0 {
		n, err := c.meetings.ReindexPending(ctx, 1000)
		logger.Info("pending meetings indexed", zap.Int("meetings", n))
		return err
	}
	for _, id := range ids {
		n, err := c.meetings.Reindex(ctx, id)
		if err != nil {
			return fmt.Errorf("reindex %s: %w", id, err)
		}
		logger.Info("meeting indexed", zap.String("meeting_id", id), zap.Int("chunks", n))
	}
	return nil
}
