package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/healthsphere/internal/config"
	"github.com/suPer8Hu/healthsphere/internal/db"
	"github.com/suPer8Hu/healthsphere/internal/docstore"
	"github.com/suPer8Hu/healthsphere/internal/httpapi"
	"github.com/suPer8Hu/healthsphere/internal/httpapi/handlers"
	"github.com/suPer8Hu/healthsphere/internal/inference"
	"github.com/suPer8Hu/healthsphere/internal/ingest"
	"github.com/suPer8Hu/healthsphere/internal/logging"
	"github.com/suPer8Hu/healthsphere/internal/store/rabbitmq"
	"github.com/suPer8Hu/healthsphere/internal/store/redisstore"
	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg := config.Load()

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Error("server exited", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	gdb, err := db.Connect(db.Options{
		Driver:          cfg.DBDriver,
		DSN:             cfg.DBDSN,
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	}, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(gdb); err != nil {
			log.Warn("close db", zap.Error(err))
		}
	}()

	startCtx, cancelStart := context.WithTimeout(context.Background(), time.Minute)
	defer cancelStart()

	if cfg.DBAutoMigrate {
		if err := db.Migrate(startCtx, gdb, log); err != nil {
			return err
		}
	}
	caps := db.Probe(startCtx, gdb, log)

	// redis only backs the status cache; run without it if it is down
	var status handlers.StatusCache
	rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err := rds.Ping(startCtx); err != nil {
		log.Warn("redis unavailable; status cache disabled", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		_ = rds.Close()
	} else {
		status = rds
		defer rds.Close()
	}

	client := inference.NewClient(inference.Options{
		BaseURL:        cfg.InferenceBaseURL,
		ExtractTimeout: cfg.InferenceExtractTimeout,
		ChatTimeout:    cfg.InferenceChatTimeout,
		IngestTimeout:  cfg.InferenceIngestTimeout,
		StatusTimeout:  cfg.InferenceStatusTimeout,
	})

	docs, err := docstore.New(cfg.UploadDir, cfg.UploadMaxBytes)
	if err != nil {
		return err
	}

	var queue ingest.Queue
	switch cfg.IngestMode {
	case "rabbit":
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			return err
		}
		defer pub.Close()
		queue = pub
		log.Info("ingest notifications via rabbitmq", zap.String("queue", cfg.RabbitQueue))
	default:
		var jobs *ingest.Repo
		if caps.IngestJobs {
			jobs = ingest.NewRepo(gdb)
		}
		pool := ingest.NewPool(ingest.NewRunner(jobs, client, log), cfg.IngestWorkers, cfg.IngestQueueSize, 0, log)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := pool.Close(ctx); err != nil {
				log.Warn("ingest pool close", zap.Error(err))
			}
		}()
		queue = pool
	}

	gin.SetMode(gin.ReleaseMode)
	r := httpapi.NewRouter(handlers.Deps{
		DB:        gdb,
		Cfg:       cfg,
		Caps:      caps,
		Inference: client,
		Docs:      docs,
		Status:    status,
		Ingest:    queue,
		Log:       log,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutCtx)
}
