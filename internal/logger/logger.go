package logger

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

var Log *slog.Logger = slog.Default()

var (
	levelVar slog.LevelVar
	initOnce sync.Once
)

// Init sets up the global logger writing to stderr and, optionally, a file.
func Init(level string, logFile string) error {
	levelVar.Set(parseLevel(level))

	var err error
	initOnce.Do(func() {
		writers := []io.Writer{os.Stderr}
		if logFile != "" {
			var f *os.File
			f, err = os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err != nil {
				return
			}
			writers = append(writers, f)
		}

		handler := slog.NewTextHandler(io.MultiWriter(writers...), &slog.HandlerOptions{
			Level: &levelVar,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey {
					return slog.String("time", a.Value.Time().Format("15:04:05"))
				}
				return a
			},
		})

		Log = slog.New(handler)
		slog.SetDefault(Log)
	})
	return err
}

// SetLevel adjusts the log level at runtime (config hot reload).
func SetLevel(level string) {
	levelVar.Set(parseLevel(level))
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func Debug(msg string, args ...any) { Log.Debug(msg, args...) }

func Info(msg string, args ...any) { Log.Info(msg, args...) }

func Warn(msg string, args ...any) { Log.Warn(msg, args...) }

func Error(msg string, args ...any) { Log.Error(msg, args...) }
