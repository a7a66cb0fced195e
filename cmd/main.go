package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	redisclient "github.com/courseforge/courseforge-backend/internal/clients/redis"
	"github.com/courseforge/courseforge-backend/internal/data/db"
	"github.com/courseforge/courseforge-backend/internal/data/repos"
	"github.com/courseforge/courseforge-backend/internal/domain"
	"github.com/courseforge/courseforge-backend/internal/handlers"
	"github.com/courseforge/courseforge-backend/internal/jobs/fsm"
	"github.com/courseforge/courseforge-backend/internal/jobs/pipeline/course_generation"
	"github.com/courseforge/courseforge-backend/internal/jobs/pipeline/document_ingest"
	"github.com/courseforge/courseforge-backend/internal/jobs/pipeline/lesson_content"
	"github.com/courseforge/courseforge-backend/internal/jobs/runtime"
	"github.com/courseforge/courseforge-backend/internal/jobs/tracker"
	"github.com/courseforge/courseforge-backend/internal/jobs/unitexec"
	"github.com/courseforge/courseforge-backend/internal/jobs/worker"
	"github.com/courseforge/courseforge-backend/internal/platform/envutil"
	"github.com/courseforge/courseforge-backend/internal/platform/logger"
	"github.com/courseforge/courseforge-backend/internal/quality"
	"github.com/courseforge/courseforge-backend/internal/quality/retrypolicy"
	"github.com/courseforge/courseforge-backend/internal/server"
	"github.com/courseforge/courseforge-backend/internal/services"
	"github.com/courseforge/courseforge-backend/internal/sse"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	if err := db.AutoMigrateAll(postgresService.DB()); err != nil {
		log.Error("Postgres auto migration failed", "error", err)
		os.Exit(1)
	}
	thePG := postgresService.DB()

	// Repos
	log.Info("Setting up repos from main...")
	courseRepo := repos.NewCourseRepo(thePG, log)
	stageUnitRepo := repos.NewStageUnitRepo(thePG, log)
	runRepo := repos.NewGenerationRunRepo(thePG, log)
	attemptRepo := repos.NewUnitAttemptRepo(thePG, log)
	traceRepo := repos.NewTraceEventRepo(thePG, log)

	// SSE
	log.Info("Setting up SSE hub now...")
	sseHub := sse.NewHub(log)
	sseBus, err := redisclient.NewSSEBus(log)
	if err != nil {
		log.Warn("Redis SSE bus unavailable, running hub-local only", "error", err)
		sseBus = nil
	} else {
		defer sseBus.Close()
		if err := sseBus.StartForwarder(rootCtx, sseHub.Broadcast); err != nil {
			log.Warn("Could not start SSE forwarder", "error", err)
		}
	}
	notifier := services.NewCourseNotifier(sseHub, sseBus, log)

	// Services
	log.Info("Setting up services from main...")
	bucketService, err := services.NewBucketService(log)
	if err != nil {
		log.Error("Could not init BucketService", "error", err)
		os.Exit(1)
	}
	llmClient, err := services.NewLLMClient(log)
	if err != nil {
		log.Error("Could not init LLMClient", "error", err)
		os.Exit(1)
	}
	workerCfg := worker.ConfigFromEnv(log)
	generator := services.NewArtifactGenerator(llmClient, workerCfg.StaleRunning, log)
	traceRecorder := services.NewTraceRecorder(traceRepo, log)
	defer traceRecorder.Close()

	// Quality cascade
	profiles, err := quality.LoadProfiles(envutil.GetEnv("QUALITY_PROFILES_PATH", "", log))
	if err != nil {
		log.Error("Could not load quality profiles", "error", err)
		os.Exit(1)
	}
	judgeTimeout := envutil.GetEnvDuration("JUDGE_TIMEOUT", 60*time.Second, log)
	judges := buildJudges(llmClient, profiles, judgeTimeout, log)
	cascade := quality.NewCascade(profiles, judges, log)
	policy := retrypolicy.Config{
		RetriesPerTier: envutil.GetEnvInt("RETRIES_PER_TIER", 2, log),
	}

	// Orchestration
	machine := fsm.New(courseRepo, log)
	track := tracker.New(stageUnitRepo, log)
	executor := unitexec.New(attemptRepo, stageUnitRepo, cascade, generator, traceRecorder, policy, log)

	// Pipelines
	log.Info("Registering job pipelines from main...")
	registry := runtime.NewRegistry()
	mustRegister(log, registry, course_generation.New(
		thePG, log, courseRepo, stageUnitRepo, runRepo, attemptRepo,
		bucketService, generator, track, executor, machine, notifier,
	))
	mustRegister(log, registry, document_ingest.New(
		thePG, log, courseRepo, stageUnitRepo, bucketService, generator, track, executor, notifier,
	))
	mustRegister(log, registry, lesson_content.New(
		thePG, log, courseRepo, stageUnitRepo, bucketService, generator, track, executor, notifier,
	))

	// Worker
	w := worker.New(thePG, log, runRepo, registry, notifier, workerCfg)
	w.Start(rootCtx)

	// HTTP
	log.Info("Setting up handlers from main...")
	courseService := services.NewCourseService(log, courseRepo, stageUnitRepo, runRepo, traceRepo, machine, notifier)
	courseHandler := handlers.NewCourseHandler(courseService, log)
	sseHandler := handlers.NewSSEHandler(sseHub, log)

	router := server.NewRouter(server.RouterConfig{
		CourseHandler: courseHandler,
		SSEHandler:    sseHandler,
	})

	port := envutil.GetEnv("PORT", "8080", log)
	srv := &http.Server{Addr: ":" + port, Handler: router}

	go func() {
		log.Info("Server listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Server stopped", "error", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("Server shutdown", "error", err)
	}
}

// buildJudges sizes the judge slice for the largest panel any profile asks
// for: the single-pass judge first, then the panel, then the tie-breaker.
func buildJudges(llm services.LLMClient, profiles *quality.ProfileSet, timeout time.Duration, log *logger.Logger) []quality.Judge {
	maxPanel := 2
	for _, p := range profiles.Profiles {
		if p.ConsensusJudges > maxPanel {
			maxPanel = p.ConsensusJudges
		}
	}
	mediumModel := envutil.GetEnv("LLM_MODEL_MEDIUM", "gpt-5", log)
	largeModel := envutil.GetEnv("LLM_MODEL_LARGE", "gpt-5-pro", log)

	judges := make([]quality.Judge, 0, maxPanel+2)
	judges = append(judges, quality.NewLLMJudge(llm, domain.TierMedium, mediumModel, timeout, log))
	for i := 0; i < maxPanel; i++ {
		judges = append(judges, quality.NewLLMJudge(llm, domain.TierMedium, fmt.Sprintf("%s#panel-%d", mediumModel, i+1), timeout, log))
	}
	judges = append(judges, quality.NewLLMJudge(llm, domain.TierLarge, largeModel, timeout, log))
	return judges
}

func mustRegister(log *logger.Logger, registry *runtime.Registry, h runtime.Handler) {
	if err := registry.Register(h); err != nil {
		log.Error("Pipeline registration failed", "job_type", h.Type(), "error", err)
		os.Exit(1)
	}
}
