package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/cbpowell/SenseLink/internal/app"
	"github.com/cbpowell/SenseLink/internal/config"
)

const defaultConfigPath = "/etc/senselink/config.yml"

func main() {
	var configPath, logLevel string
	var quiet bool
	flag.StringVar(&configPath, "c", defaultConfigPath, "specify config file path")
	flag.StringVar(&configPath, "config", defaultConfigPath, "specify config file path")
	flag.StringVar(&logLevel, "l", "WARNING", "specify log level (DEBUG, INFO, etc)")
	flag.StringVar(&logLevel, "log", "WARNING", "specify log level (DEBUG, INFO, etc)")
	flag.BoolVar(&quiet, "q", false, "do not respond to Sense UDP queries")
	flag.BoolVar(&quiet, "quiet", false, "do not respond to Sense UDP queries")
	flag.Parse()

	// Credentials and overrides may live in a .env file in the working
	// directory; absence is fine.
	godotenv.Load()

	if env := os.Getenv("LOGLEVEL"); env != "" {
		logLevel = env
	}
	if env := os.Getenv("CONFIG_LOCATION"); env != "" {
		configPath = env
	}

	logger := logrus.New()
	level, err := logrus.ParseLevel(strings.ToLower(logLevel))
	if err != nil {
		logger.Warnf("Unknown log level %q, using warning", logLevel)
		level = logrus.WarnLevel
	}
	logger.SetLevel(level)

	logger.Debugf("Using config at: %s", configPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}

	senselink := app.New(cfg, logger)
	senselink.ShouldRespond = strings.ToUpper(envOrDefault("SENSE_RESPONSE", "TRUE")) == "TRUE" && !quiet
	if senselink.ShouldRespond {
		logger.Info("Will respond to Sense broadcasts")
	}

	if err := senselink.CreateInstances(); err != nil {
		logger.Fatalf("Failed to create instances: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		logger.Info("Starting SenseLink controller")
		if err := senselink.Start(ctx); err != nil {
			logger.Errorf("SenseLink error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("Interrupt received, stopping SenseLink")
	case <-done:
	}

	cancel()
	<-done
	logger.Info("Shutdown complete")
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
