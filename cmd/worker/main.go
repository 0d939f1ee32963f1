package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"liveclass/internal/attendance"
	"liveclass/internal/config"
	"liveclass/internal/queue"
	"liveclass/internal/store"
)

// Worker consumes analyze messages and derives behavior flags from a
// record's event and issue logs.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "liveclass:analyze")
	}

	repo := attendance.NewRepository(db.Client)
	analyzerCfg := attendance.AnalyzerConfig{
		DisconnectCount: cfg.DisconnectFlagCount,
		InactivityGap:   cfg.InactivityGap,
		ChurnCount:      attendance.DefaultAnalyzerConfig().ChurnCount,
	}

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for messages...")
	for msg := range messages {
		if msg.Type != queue.TypeAnalyze {
			continue
		}

		id := string(msg.Body)

		rec, err := repo.GetByID(ctx, id)
		if err != nil {
			log.Printf("fetch record %s failed: %v", id, err)
			continue
		}
		events, err := repo.Events(ctx, id)
		if err != nil {
			log.Printf("fetch events for %s failed: %v", id, err)
			continue
		}
		issues, err := repo.Issues(ctx, id)
		if err != nil {
			log.Printf("fetch issues for %s failed: %v", id, err)
			continue
		}

		flags := attendance.DeriveFlags(rec, events, issues, analyzerCfg)
		if flags == rec.Flags {
			continue
		}
		if err := repo.UpdateFlags(ctx, id, flags); err != nil {
			log.Printf("update flags for %s failed: %v", id, err)
			continue
		}
		log.Printf("record %s flags updated: %+v", id, flags)
	}
}
