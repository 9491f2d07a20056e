package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/labsense/labsense/internal/biomarker"
	"github.com/labsense/labsense/internal/config"
	"github.com/labsense/labsense/internal/domain/diagnosis"
	"github.com/labsense/labsense/internal/domain/report"
	"github.com/labsense/labsense/internal/domain/user"
	"github.com/labsense/labsense/internal/llm"
	"github.com/labsense/labsense/internal/ocr"
	"github.com/labsense/labsense/internal/platform/auth"
	"github.com/labsense/labsense/internal/platform/blobstore"
	"github.com/labsense/labsense/internal/platform/db"
	"github.com/labsense/labsense/internal/platform/httpx"
	"github.com/labsense/labsense/internal/platform/middleware"
	"github.com/labsense/labsense/internal/platform/websocket"
	"github.com/labsense/labsense/internal/platform/worker"
	"github.com/labsense/labsense/internal/rag"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "labsense-server",
		Short: "LabSense lab report API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(extractCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			corpus, _ := cmd.Flags().GetString("corpus")
			return runServer(corpus)
		},
	}
	cmd.Flags().String("corpus", "", "Corpus directory indexed at startup when VECTOR_INDEX=memory")
	return cmd
}

// migrationSource returns dir as a filesystem, or the embedded migrations
// when dir is empty.
func migrationSource(dir string) fs.FS {
	if dir == "" {
		return db.EmbeddedMigrations()
	}
	return os.DirFS(dir)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrationSource(dir))
			fmt.Printf("Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", db.DefaultSchema, "Target schema for migrations")
	upCmd.Flags().String("dir", "", "Migrations directory (defaults to the embedded set)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrationSource(dir)).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", db.DefaultSchema, "Target schema for migrations")
	statusCmd.Flags().String("dir", "", "Migrations directory (defaults to the embedded set)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func ingestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Chunk, embed and index the reference corpus",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			collection, _ := cmd.Flags().GetString("collection")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.VectorIndex != "postgres" {
				return fmt.Errorf("ingest writes to the postgres index; VECTOR_INDEX is %q", cfg.VectorIndex)
			}
			if collection == "" {
				collection = cfg.RAGCollection
			}
			logger := newLogger(cfg.Env)

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			_, embedder, err := newModels(ctx, cfg)
			if err != nil {
				return err
			}

			ingester := rag.NewIngester(rag.DefaultSplitter(), embedder, rag.NewPGIndex(pool), logger)
			stats, err := ingester.Ingest(ctx, os.DirFS(dir), collection)
			if err != nil {
				return fmt.Errorf("ingest failed: %w", err)
			}
			fmt.Printf("Indexed %d chunk(s) from %d document(s) into %s.\n", stats.Chunks, stats.Documents, collection)
			return nil
		},
	}
	cmd.Flags().String("dir", "./data", "Directory of .txt and .md corpus files")
	cmd.Flags().String("collection", "", "Target collection (defaults to RAG_COLLECTION)")
	return cmd
}

func extractCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "extract <file>",
		Short: "Run OCR and biomarker extraction on a local image and print JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lang, _ := cmd.Flags().GetString("lang")
			maxWidth, _ := cmd.Flags().GetInt("max-width")
			timeout, _ := cmd.Flags().GetDuration("timeout")

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			res, err := extractFile(ctx, ocr.NewTesseractExtractor(lang, maxWidth), biomarker.NewEngine(biomarker.MustDefaultDictionary()), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	cmd.Flags().String("lang", "eng", "Tesseract language")
	cmd.Flags().Int("max-width", 2000, "Images wider than this are downscaled")
	cmd.Flags().Duration("timeout", report.DefaultOCRTimeout, "OCR time limit")
	return cmd
}

// extractFile is the local dry run of the report pipeline.
func extractFile(ctx context.Context, extractor ocr.Extractor, engine *biomarker.Engine, path string) (biomarker.Result, error) {
	mt := mime.TypeByExtension(filepath.Ext(path))
	if parsed, _, err := mime.ParseMediaType(mt); err == nil {
		mt = parsed
	}
	if !ocr.IsSupported(mt) {
		return biomarker.Result{}, fmt.Errorf("unsupported file type %q", mt)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return biomarker.Result{}, err
	}
	text, err := extractor.Extract(ctx, ocr.Document{Name: filepath.Base(path), MimeType: mt, Data: data})
	if err != nil {
		return biomarker.Result{}, err
	}
	return engine.Extract(text), nil
}

// newModels builds the chat model and embedder for the configured provider.
func newModels(ctx context.Context, cfg *config.Config) (llm.Model, llm.Embedder, error) {
	switch cfg.LLMProvider {
	case "gemini":
		g, err := llm.NewGemini(ctx, llm.GeminiConfig{
			APIKey:         cfg.LLMAPIKey,
			BaseURL:        cfg.LLMBaseURL,
			Model:          cfg.LLMModel,
			EmbeddingModel: cfg.EmbeddingModel,
		})
		if err != nil {
			return nil, nil, err
		}
		return g, g, nil
	case "openai":
		o := llm.NewOpenAI(llm.OpenAIConfig{
			BaseURL:        cfg.LLMBaseURL,
			APIKey:         cfg.LLMAPIKey,
			Model:          cfg.LLMModel,
			EmbeddingModel: cfg.EmbeddingModel,
		})
		return o, o, nil
	default:
		return nil, nil, fmt.Errorf("unknown LLM provider %q", cfg.LLMProvider)
	}
}

// newIndex returns the vector index named by VECTOR_INDEX. pool may be nil
// for the memory index.
func newIndex(cfg *config.Config, pool *pgxpool.Pool) rag.Index {
	if cfg.VectorIndex == "memory" {
		return rag.NewMemoryIndex()
	}
	return rag.NewPGIndex(pool)
}

// authMiddleware verifies bearer tokens. In development, requests without a
// token are served as the dev user.
func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	var verify echo.MiddlewareFunc
	if cfg.AuthSigningKey != "" {
		verify = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
		})
	}
	if cfg.IsDev() {
		return auth.DevAuthMiddleware(verify)
	}
	return verify
}

// uploadLimit leaves room for the multipart envelope around the file.
func uploadLimit(maxUploadBytes int64) string {
	return strconv.FormatInt(maxUploadBytes+1<<20, 10)
}

func runServer(corpusDir string) error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Storage and OCR
	blobs, err := blobstore.NewDiskBlobStore(cfg.StorageDir, cfg.MaxUploadBytes)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open storage")
	}
	engine := biomarker.NewEngine(biomarker.MustDefaultDictionary())
	runner := worker.NewRunner(logger)
	runner.SetCallbackTimeout(cfg.TaskCallbackTimeout)

	reportSvc := report.NewService(report.NewRepoPG(pool), blobs, ocr.NewTesseractExtractor(cfg.OCRLanguage, cfg.OCRMaxWidth), engine, runner, logger)
	reportSvc.SetOCRTimeout(cfg.OCRTimeout)
	hub := websocket.NewHub(logger)
	reportSvc.SetPublisher(hub)

	// Models and retrieval
	model, embedder, err := newModels(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create language model client")
	}
	index := newIndex(cfg, pool)
	if corpusDir != "" {
		if cfg.VectorIndex != "memory" {
			logger.Warn().Str("corpus", corpusDir).Msg("--corpus is ignored for the postgres index, run ingest instead")
		} else {
			stats, err := rag.NewIngester(rag.DefaultSplitter(), embedder, index, logger).Ingest(ctx, os.DirFS(corpusDir), cfg.RAGCollection)
			if err != nil {
				logger.Fatal().Err(err).Msg("failed to index corpus")
			}
			logger.Info().Int("documents", stats.Documents).Int("chunks", stats.Chunks).Msg("corpus indexed")
		}
	}
	retriever := rag.NewRetriever(embedder, index, logger,
		rag.WithTopK(cfg.RetrievalTopK),
		rag.WithTimeout(cfg.RetrievalTimeout),
		rag.WithCollection(cfg.RAGCollection),
	)
	gen := diagnosis.NewGenerator(model, retriever, logger)
	gen.SetTimeout(cfg.LLMTimeout)
	userSvc := user.NewService(user.NewRepoPG(pool), logger)
	diagnosisSvc := diagnosis.NewService(diagnosis.NewRepoPG(pool), reportSvc, gen, logger)
	diagnosisSvc.SetProfiles(userSvc)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = httpx.ErrorHandler(logger)

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{echo.HeaderAuthorization, echo.HeaderContentType, middleware.RequestIDHeader},
	}))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(middleware.BodyLimit("1M", uploadLimit(cfg.MaxUploadBytes)))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	api := e.Group("/api", authMiddleware(cfg), middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		IdleTTL:           middleware.DefaultRateLimitConfig().IdleTTL,
	}))
	report.NewHandler(reportSvc).RegisterRoutes(api)
	diagnosis.NewHandler(diagnosisSvc).RegisterRoutes(api)
	user.NewHandler(userSvc).RegisterRoutes(api)
	websocket.NewHandler(hub, cfg.CORSOrigins, logger).RegisterRoutes(api)

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return httpx.Success(c, http.StatusOK, "ok", map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.PoolHealthHandler(pool))

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	if err := runner.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Int("in_flight", runner.InFlight()).Msg("report tasks cancelled at shutdown")
	}
	logger.Info().Msg("server stopped")
	return nil
}
