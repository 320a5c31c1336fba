package common

import (
	"io"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// RotatingFileWriter returns a file sink at path that rotates at every local
// midnight, and earlier if the file reaches MaxSize. It never deletes the
// active file; old rotations are pruned by MaxBackups/MaxAge.
func RotatingFileWriter(path string) io.Writer {
	l := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    100, // megabytes
		MaxBackups: 14,
		MaxAge:     30, // days
		Compress:   true,
	}
	go func() {
		for {
			now := time.Now()
			midnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())
			time.Sleep(time.Until(midnight))
			_ = l.Rotate()
		}
	}()
	return l
}

// EnableFileRotation attaches a rotating file sink under logDir alongside
// the existing OutputSplitter routing, so every log line lands in both the
// split stdout/stderr streams and the durable rotated file.
func EnableFileRotation(logDir string) {
	file := RotatingFileWriter(logDir + "/core.log")
	Logger.SetOutput(io.MultiWriter(&OutputSplitter{}, file))
}
