package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/corvus-ci/ando-control-plane/internal/api"
	"github.com/corvus-ci/ando-control-plane/internal/artifacts"
	"github.com/corvus-ci/ando-control-plane/internal/cancelregistry"
	"github.com/corvus-ci/ando-control-plane/internal/config"
	"github.com/corvus-ci/ando-control-plane/internal/containerrt"
	"github.com/corvus-ci/ando-control-plane/internal/logsink"
	"github.com/corvus-ci/ando-control-plane/internal/orchestrator"
	"github.com/corvus-ci/ando-control-plane/internal/pathresolver"
	"github.com/corvus-ci/ando-control-plane/internal/provider"
	"github.com/corvus-ci/ando-control-plane/internal/provisioner"
	"github.com/corvus-ci/ando-control-plane/internal/queue"
	"github.com/corvus-ci/ando-control-plane/internal/repoprep"
	"github.com/corvus-ci/ando-control-plane/internal/statusreporter"
	"github.com/corvus-ci/ando-control-plane/internal/store"
)

// passthroughDecrypter is a placeholder orchestrator.SecretDecrypter. The
// real encryption primitive that produces Secret.EncryptedValue is out of
// scope for the orchestration core; this exists only so the core's
// dependency graph compiles and runs end to end without one. A real
// deployment must replace this before storing anything sensitive.
type passthroughDecrypter struct{}

func (passthroughDecrypter) Decrypt(encryptedValue string) (string, error) {
	return encryptedValue, nil
}

func main() {
	appConfig := config.LoadAppConfig()
	logger := appConfig.NewLogger()

	logger.Info("ando build orchestration core starting",
		"port", appConfig.Port,
		"db_path", appConfig.DBPath,
		"log_format", appConfig.LogFormat,
	)

	database, err := store.Open(appConfig.DBPath, logger)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer database.Close()

	dockerRuntime, err := containerrt.NewDockerRuntime(logger)
	if err != nil {
		log.Fatalf("failed to connect to docker daemon: %v", err)
	}
	defer dockerRuntime.Close()

	integration := provider.NoopIntegration{Logger: logger}

	pathResolver := pathresolver.NewPathResolver(dockerRuntime, logger)
	repoPreparer := repoprep.NewRepoPreparer(integration)
	toolProvisioner := provisioner.NewToolProvisioner(dockerRuntime)
	collector := artifacts.NewCollector(dockerRuntime, database, appConfig.ArtifactsPath, appConfig.ArtifactRetentionDays)
	reporter := statusreporter.NewStatusReporter(integration, nil, logger, appConfig.BaseURL)
	registry := cancelregistry.New()
	sinks := logsink.NewRegistry()

	buildOrchestrator := orchestrator.New(
		database,
		dockerRuntime,
		repoPreparer,
		toolProvisioner,
		pathResolver,
		collector,
		reporter,
		registry,
		integration,
		passthroughDecrypter{},
		database,
		sinks,
		logger,
		orchestrator.Config{
			ReposRoot:          appConfig.ReposPath,
			DefaultDockerImage: appConfig.DefaultDockerImage,
			BuildNetworkName:   appConfig.BuildNetworkName,
			MaxTimeoutMinutes:  appConfig.MaxTimeoutMinutes,
			ProviderHost:       "github.com",
		},
	)

	buildQueue := queue.NewPollingQueue(database, 2*time.Second, logger)

	dispatchCtx, cancelDispatch := context.WithCancel(context.Background())
	go buildQueue.Run(dispatchCtx)

	var workers sync.WaitGroup
	for i := 0; i < appConfig.MaxConcurrentBuilds; i++ {
		workers.Add(1)
		go func(workerID int) {
			defer workers.Done()
			for {
				buildID, ok := buildQueue.Next(dispatchCtx)
				if !ok {
					return
				}
				if err := buildOrchestrator.Execute(dispatchCtx, buildID); err != nil {
					logger.Warn("build execution ended with error", "worker", workerID, "build", buildID, "error", err)
				}
			}
		}(i)
	}

	router := api.CreateAndSetupRouter(api.RouterDependencies{
		Logger:   logger,
		Builds:   api.StoreBuildLookup{Store: database},
		Sinks:    api.SinkRegistryLookup{Registry: sinks},
		Registry: registry,
	})

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(appConfig.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	shutdownChannel := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", server.Addr)
		err := server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			shutdownChannel <- err
		}
		close(shutdownChannel)
	}()

	signalChannel := make(chan os.Signal, 1)
	signal.Notify(signalChannel, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("startup complete", "port", appConfig.Port, "max_concurrent_builds", appConfig.MaxConcurrentBuilds)

	select {
	case sig := <-signalChannel:
		logger.Info("shutdown signal received", "signal", sig)
	case err := <-shutdownChannel:
		if err != nil {
			log.Fatalf("http server failed: %v", err)
		}
	}

	cancelDispatch()
	workers.Wait()

	shutdownContext, cancelShutdownContext := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdownContext()

	if err := server.Shutdown(shutdownContext); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	} else {
		logger.Info("server shut down cleanly")
	}
}
