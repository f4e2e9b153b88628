// Rangefinder runs the object detection and distance estimation engine
// over a file-backed camera rig and serves its control API.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/teslashibe/go-rangefinder/internal/config"
	"github.com/teslashibe/go-rangefinder/internal/log"
	"github.com/teslashibe/go-rangefinder/pkg/rangefinder"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Error("configuration error", "error", err)
		os.Exit(1)
	}
	parseFlags(&cfg)
	log.Init(cfg.LogLevel)

	app, err := rangefinder.New(cfg)
	if err != nil {
		log.Error("configuration error", "error", err)
		os.Exit(2)
	}

	if err := app.Init(); err != nil {
		log.Error("initialization failed", "error", err)
		_ = app.Shutdown()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runErr := app.Run(ctx)
	if err := app.Shutdown(); err != nil {
		log.Warn("shutdown incomplete", "error", err)
	}
	if runErr != nil {
		log.Error("runtime error", "error", runErr)
		os.Exit(1)
	}
}

// parseFlags applies command line flags over the environment config.
func parseFlags(cfg *config.Engine) {
	rig := flag.String("rig", cfg.RigPath, "Rig description JSON")
	port := flag.String("port", cfg.ListenPort, "Control server port")
	db := flag.String("db", cfg.DBPath, "Calibration database path")
	detector := flag.String("detector-model", cfg.DetectorModel, "YOLOv8 ONNX model")
	depthModel := flag.String("depth-model", cfg.DepthModel, "MiDaS ONNX model")
	labels := flag.String("labels", cfg.LabelsPath, "Detector labels, one per line")
	level := flag.String("log-level", cfg.LogLevel, "Log level: debug, info, warn, error")
	stereo := flag.Bool("stereo", cfg.StereoEnabled, "Enable stereo fusion when available")
	realtime := flag.Bool("realtime", cfg.Realtime, "Process every frame")
	blur := flag.Bool("blur", cfg.BlurEnabled, "Smooth detector input")
	debug := flag.Bool("debug", false, "Shorthand for -log-level=debug")
	flag.Parse()

	cfg.RigPath, cfg.ListenPort, cfg.DBPath = *rig, *port, *db
	cfg.DetectorModel, cfg.DepthModel, cfg.LabelsPath = *detector, *depthModel, *labels
	cfg.LogLevel = *level
	cfg.StereoEnabled, cfg.Realtime, cfg.BlurEnabled = *stereo, *realtime, *blur
	if *debug {
		cfg.LogLevel = "debug"
	}
}
