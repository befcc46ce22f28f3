// Command station runs a single OCPP 1.6-J charging-station simulator: it
// loads a template and an optional authorization-tag file, dials the
// configured supervision URL, and blocks until told to shut down.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/evse-sim/ocpp-station/internal/config"
	"github.com/evse-sim/ocpp-station/internal/ocpp/v16"
	"github.com/evse-sim/ocpp-station/internal/station"
	"github.com/evse-sim/ocpp-station/internal/template"
)

func main() {
	configPath := flag.String("conf", "", "path to the global config file")
	templatePath := flag.String("template", "", "path to the station template file")
	tagsPath := flag.String("tags", "", "path to the authorization-tag file")
	index := flag.Int("index", 0, "station index, used for id generation and supervision-URL selection")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := initLogger(cfg)

	if *templatePath == "" {
		log.Error("missing required -template flag")
		os.Exit(1)
	}

	tmpl, err := template.LoadFile(*templatePath)
	if err != nil {
		log.Error("failed to load station template", "path", *templatePath, "error", err)
		os.Exit(1)
	}

	var tags []string
	if *tagsPath != "" {
		tags, err = template.LoadTags(*tagsPath)
		if err != nil {
			log.Error("failed to load authorization tags", "path", *tagsPath, "error", err)
			os.Exit(1)
		}
	}

	s := station.New(*index, tmpl, tags, cfg.Defaults, nil, log, *templatePath, *tagsPath)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Defaults.ConnectionTimeout)
	defer cancel()
	if err := s.Start(ctx); err != nil {
		log.Error("failed to start station", "error", err)
		os.Exit(1)
	}
	log.Info("station running", "chargingStationId", s.Info.ChargingStationID, "state", s.State())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	if err := s.Stop(v16.ReasonOther); err != nil {
		log.Error("error during shutdown", "error", err)
	}
	log.Info("shutdown complete")
}

func initLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
