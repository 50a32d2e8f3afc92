package utils

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// DetectionLogOptions configures the detection audit log
type DetectionLogOptions struct {
	// Path of the log file, stdout is used when empty
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// NewDetectionLogger returns a JSON zap logger dedicated to detections.
// Entries are appended to a size-rotated file when a path is set.
func NewDetectionLogger(opts DetectionLogOptions) *zap.Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var sink zapcore.WriteSyncer
	if opts.Path == "" {
		sink = zapcore.Lock(os.Stdout)
	} else {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.Path,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		})
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), sink, zap.InfoLevel)
	return zap.New(core).Named("detections")
}
