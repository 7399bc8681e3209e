package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/personakit/personakit-backend/internal/db"
	"github.com/personakit/personakit-backend/internal/handlers"
	"github.com/personakit/personakit-backend/internal/jobs/worker"
	"github.com/personakit/personakit-backend/internal/logger"
	"github.com/personakit/personakit-backend/internal/repos"
	"github.com/personakit/personakit-backend/internal/server"
	"github.com/personakit/personakit-backend/internal/services"
	"github.com/personakit/personakit-backend/internal/utils"
)

func main() {
	_ = godotenv.Load()

	log, err := logger.New(utils.GetEnv("MODE", "development", nil))
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	postgres, err := db.NewPostgresService(log)
	if err != nil {
		log.Fatal("failed to connect to postgres", "error", err)
	}
	if err := postgres.AutoMigrateAll(); err != nil {
		log.Fatal("failed to migrate database", "error", err)
	}
	gdb := postgres.DB()

	traitRepo := repos.NewTraitRepo(gdb, log)
	narrativeRepo := repos.NewNarrativeRepo(gdb, log)
	mapperRepo := repos.NewMapperConfigRepo(gdb, log)
	personaRepo := repos.NewPersonaRepo(gdb, log)
	observationRepo := repos.NewObservationRepo(gdb, log)
	outboxRepo := repos.NewOutboxRepo(gdb, log)

	embedder, err := services.NewCachedEmbeddingClient(services.NewOpenAIEmbeddingClient(log), log)
	if err != nil {
		log.Fatal("failed to build embedding cache", "error", err)
	}

	narrativeSvc := services.NewNarrativeService(gdb, narrativeRepo, outboxRepo, embedder, log)
	mapperSvc := services.NewMapperConfigService(gdb, mapperRepo, log)
	traitSvc := services.NewTraitService(gdb, traitRepo, observationRepo, log)
	observationSvc := services.NewObservationService(gdb, observationRepo, outboxRepo, log)
	personaSvc := services.NewPersonaService(personaRepo, observationRepo, mapperSvc, traitSvc, narrativeSvc, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool := worker.NewPool(worker.GormTxRunner(gdb), outboxRepo, log)
	worker.RegisterAll(pool, traitSvc, narrativeSvc)
	pool.Start(ctx)

	router := server.NewRouter(server.Handlers{
		Observation: handlers.NewObservationHandler(observationSvc, log),
		Mapper:      handlers.NewMapperHandler(mapperSvc, log),
		Persona:     handlers.NewPersonaHandler(personaSvc, log),
		Narrative:   handlers.NewNarrativeHandler(narrativeSvc, log),
		Healthcheck: handlers.NewHealthcheckHandler(outboxRepo, log),
	}, log)

	srv := &http.Server{
		Addr:    ":" + utils.GetEnv("PORT", "8080", log),
		Handler: router,
	}
	go func() {
		log.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("http server failed", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "error", err)
	}
	pool.Wait()
	log.Info("shutdown complete")
}
