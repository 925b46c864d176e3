package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/tallyhq/tally/internal/api"
	"github.com/tallyhq/tally/internal/config"
	"github.com/tallyhq/tally/internal/engine"
	"github.com/tallyhq/tally/internal/model"
	"github.com/tallyhq/tally/internal/store"
)

const shutdownGrace = 5 * time.Second

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("tally: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"pool_size", cfg.PoolSize,
		"engine_bin", cfg.EngineBin,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	analyses := model.NewAnalyses()
	pool := engine.NewPool(engine.Config{
		Slots: cfg.PoolSize,
		Process: engine.ProcessConfig{
			ExePath:  cfg.EngineBin,
			DataPath: cfg.DataDir,
			Env:      cfg.EngineEnv(),
		},
		Logger: logger,
	})
	engine.NewScheduler(analyses, pool, logger)

	broker := engine.NewEventBroker()
	defer broker.Close()

	// Listeners run on the pool's run loop; persistence happens off it so a
	// slow disk never stalls engine dispatch.
	pool.OnEngineEvent(func(ev engine.Event) {
		broker.Publish(ev)
		go func() {
			rec := &store.EngineEvent{
				Slot:    ev.Slot,
				Type:    ev.Type,
				Message: ev.Message,
				Cause:   ev.Cause,
			}
			if err := db.InsertEngineEvent(context.Background(), rec); err != nil {
				logger.Error("persist engine event", "error", err)
			}
		}()
	})
	pool.OnAnalysisDone(func(info engine.RunInfo) {
		go func() {
			rec := &store.Run{
				AnalysisID: info.AnalysisID,
				Name:       info.Name,
				NS:         info.NS,
				Slot:       info.Slot,
				Status:     info.Status,
				Error:      info.ErrorCause,
				Revision:   info.Revision,
			}
			if err := db.InsertRun(context.Background(), rec); err != nil {
				logger.Error("persist run", "error", err)
			}
		}()
	})

	pool.Start()

	srv := api.NewServer(cfg.ListenAddr, pool, analyses, db, broker, logger)

	runErr := srv.Run()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	pool.Shutdown(ctx)
	cancel()

	if runErr != nil {
		log.Fatalf("server error: %v", runErr)
	}
}
