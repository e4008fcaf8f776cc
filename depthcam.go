package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/logs"
	"gocv.io/x/gocv"

	"depthcam/camera"
	"depthcam/config"
	"depthcam/detection"
	"depthcam/recording"
)

const statsInterval = 15 * time.Second

func main() {
	parser := argparse.NewParser("depthcam", "Depth camera capture, detection, and recording pipeline")
	configFile := parser.String("c", "config", &argparse.Options{Help: "Configuration file", Default: "config.json"})
	modelPath := parser.String("m", "model", &argparse.Options{Help: "YOLO model file (.onnx, or .weights with --model-config)", Default: ""})
	modelConfig := parser.String("", "model-config", &argparse.Options{Help: "Darknet .cfg file for .weights models", Default: ""})
	namesPath := parser.String("n", "names", &argparse.Options{Help: "Class names file, one per line", Default: ""})
	noDetect := parser.Flag("", "no-detect", &argparse.Options{Help: "Disable object detection even when a model is given", Default: false})
	recordPrefix := parser.String("r", "record", &argparse.Options{Help: "Record to videos named by this path prefix", Default: ""})
	duration := parser.Int("d", "duration", &argparse.Options{Help: "Stop after this many seconds (0 = run until interrupted)", Default: 0})
	snapshotDir := parser.String("", "snapshot-dir", &argparse.Options{Help: "Save a JPEG snapshot of each consumed frame to this directory", Default: ""})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}

	recorder := recording.NewRecorder(logger, cfg.Recording.Codec, cfg.Stream.FPS, cfg.Stream.Width, cfg.Stream.Height)
	controller := camera.NewController(logger, cfg, recorder)
	defer controller.Close()

	if *modelPath != "" && !*noDetect {
		detector, err := detection.NewYOLODetector(*modelPath, *modelConfig, *namesPath, cfg.Detection.InputSize)
		if err != nil {
			// Detection is optional: the pipeline runs without it.
			logger.Warnf("Could not load detection model %s: %v. Continuing without detection.", *modelPath, err)
		} else {
			detector.MinConfidence = cfg.Detection.MinConfidence
			detector.NMSThreshold = cfg.Detection.NMSThreshold
			if err := controller.SetupDetection(detector, *modelPath); err != nil {
				logger.Errorf("%v", err)
				os.Exit(1)
			}
			controller.EnableDetection(true)
			logger.Infof("Detection enabled with model %s", *modelPath)
		}
	}

	if err := controller.Connect(camera.SyntheticDriver{}); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	if err := controller.StartStreaming(); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}

	if *recordPrefix != "" {
		if err := controller.StartRecording(*recordPrefix); err != nil {
			logger.Errorf("Could not start recording: %v", err)
			os.Exit(1)
		}
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	var deadline <-chan time.Time
	if *duration > 0 {
		deadline = time.After(time.Duration(*duration) * time.Second)
	}

	statsTick := time.NewTicker(statsInterval)
	defer statsTick.Stop()

	bus := controller.Frames()
	frameCount := 0
	running := true
	for running {
		select {
		case sig := <-sigs:
			logger.Infof("Received %v, shutting down", sig)
			running = false
		case <-deadline:
			logger.Infof("Duration elapsed, shutting down")
			running = false
		case <-statsTick.C:
			logStats(logger, controller)
		default:
			bundle, ok := bus.Pop()
			if !ok {
				if !controller.IsStreaming() {
					logger.Errorf("Stream stopped unexpectedly")
					running = false
				}
				time.Sleep(5 * time.Millisecond)
				continue
			}
			if *snapshotDir != "" {
				saveSnapshot(logger, *snapshotDir, frameCount, bundle.Display())
			}
			frameCount++
			bundle.Close()
		}
	}

	controller.StopRecording()
	controller.Disconnect()
	logger.Infof("Consumed %d frames", frameCount)
}

func logStats(logger logs.Log, controller *camera.Controller) {
	info := controller.Info()
	logger.Infof("Status: streaming=%v recording=%v queue=%d dropped=%d",
		info.Streaming, info.Recording, info.QueueLen, info.Dropped)
	if controller.DetectionEnabled() {
		stats := controller.DetectionStats()
		logger.Infof("Detection: last=%d objects, total=%d, avg=%.1fms",
			stats.LastFrameObjects, stats.TotalObjects, stats.AvgProcessMS)
	}
}

func saveSnapshot(logger logs.Log, dir string, n int, img gocv.Mat) {
	path := filepath.Join(dir, fmt.Sprintf("frame_%06d.jpg", n))
	if ok := gocv.IMWrite(path, img); !ok {
		logger.Warnf("Failed to write snapshot %s", path)
	}
}
