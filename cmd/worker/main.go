package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/suPer8Hu/healthsphere/internal/config"
	"github.com/suPer8Hu/healthsphere/internal/db"
	"github.com/suPer8Hu/healthsphere/internal/inference"
	"github.com/suPer8Hu/healthsphere/internal/ingest"
	"github.com/suPer8Hu/healthsphere/internal/logging"
	"github.com/suPer8Hu/healthsphere/internal/store/rabbitmq"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()
	log = log.Named("worker")

	gdb, err := db.Connect(db.Options{
		Driver:          cfg.DBDriver,
		DSN:             cfg.DBDSN,
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	}, log)
	if err != nil {
		log.Fatal("db connect", zap.Error(err))
	}
	defer db.Close(gdb)

	probeCtx, cancelProbe := context.WithTimeout(context.Background(), 30*time.Second)
	caps := db.Probe(probeCtx, gdb, log)
	cancelProbe()

	// tasks carry their payload, so the jobs table only adds tracking
	var jobs *ingest.Repo
	if caps.IngestJobs {
		jobs = ingest.NewRepo(gdb)
	}

	client := inference.NewClient(inference.Options{
		BaseURL:       cfg.InferenceBaseURL,
		IngestTimeout: cfg.InferenceIngestTimeout,
	})
	runner := ingest.NewRunner(jobs, client, log)

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatal("rabbit dial", zap.Error(err))
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatal("rabbit channel", zap.Error(err))
	}
	defer ch.Close()

	if err := rabbitmq.DeclareQueues(ch, cfg.RabbitQueue); err != nil {
		log.Fatal("queue declare", zap.Error(err))
	}

	//  strict concurrency control
	concurrency := cfg.WorkerConcurrency

	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatal("qos", zap.Error(err))
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatal("consume", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("worker started", zap.String("queue", cfg.RabbitQueue), zap.Int("concurrency", concurrency))

	// worker pool
	deliveries := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range deliveries {
				handleDelivery(ctx, runner, log.With(zap.Int("worker", workerID)), d)
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			log.Info("worker shutting down")
			close(deliveries)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Warn("delivery channel closed")
				close(deliveries)
				wg.Wait()
				return
			}
			deliveries <- d
		}
	}
}

// handleDelivery runs one task. Failures are dead-lettered, never requeued.
func handleDelivery(ctx context.Context, runner *ingest.Runner, log *zap.Logger, d amqp.Delivery) {
	t, err := rabbitmq.DecodeTask(d.Body)
	if err != nil {
		log.Warn("bad message", zap.String("message_id", d.MessageId), zap.Error(err))
		_ = d.Nack(false, false)
		return
	}

	start := time.Now()
	if err := runner.Run(ctx, t); err != nil {
		log.Warn("ingest task failed", zap.String("job_id", t.JobID), zap.Duration("cost", time.Since(start)), zap.Error(err))
		_ = d.Nack(false, false)
		return
	}

	if err := d.Ack(false); err != nil {
		log.Warn("ack failed", zap.String("job_id", t.JobID), zap.Error(err))
	}
	if cost := time.Since(start); cost > 2*time.Second {
		log.Info("slow ingest task", zap.String("job_id", t.JobID), zap.Duration("cost", cost))
	}
}
