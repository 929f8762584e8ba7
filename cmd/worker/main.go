package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/boxguard/parcel-detection-worker/internal/config"
	"github.com/joho/godotenv"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const startStopTimeout = 30 * time.Second

// loadDotEnv walks from the working directory upward looking for a .env
// file. Containers usually carry no .env and rely on injected environment
// variables, so not finding one is fine.
func loadDotEnv() {
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for i := 0; i < 3; i++ {
		path := filepath.Join(dir, ".env")
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err == nil {
				fmt.Printf("Loaded environment from: %s\n", path)
				return
			}
		}
		dir = filepath.Dir(dir)
	}
	fmt.Println("No .env file found, using system environment variables (OK for pods/containers)")
}

func main() {
	loadDotEnv()

	app := fx.New(
		fx.Provide(
			config.Load,
			newLogger,
			ProvideClock,
			ProvideSettingsStore,
			ProvideCredentialPool,
			ProvideVisionClient,
			ProvideBaselineStore,
			ProvideDetectionEngine,
			ProvideScheduler,
			ProvideDBPool,
			ProvideRepository,
			ProvideValidator,
			ProvideMQConnection,
			ProvidePublisher,
			ProvideMQTTClient,
			ProvideProcessorService,
			ProvideHTTPServer,
		),
		fx.Invoke(startWorker),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Startup errors happen before the fx-provided logger exists.
	bootLogger, _ := newLogger(&config.Config{ServiceName: "parcel-detection-worker"})
	bootLogger.Info("starting worker", zap.Duration("start_timeout", startStopTimeout))

	startCtx, startCancel := context.WithTimeout(context.Background(), startStopTimeout)
	defer startCancel()

	if err := app.Start(startCtx); err != nil {
		if startCtx.Err() == context.DeadlineExceeded {
			bootLogger.Error("worker failed to start within the timeout; a dependency (database, RabbitMQ or the MQTT broker) is likely unreachable — check the connection errors above")
		}
		panic(err)
	}

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), startStopTimeout)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		fmt.Println("error stopping worker:", err)
	}
}
