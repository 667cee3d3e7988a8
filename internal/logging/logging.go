package logging

import (
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Setup configures the standard logrus logger. When file is non-empty the
// output is teed into a size-rotated log file, which the caller closes on
// shutdown.
func Setup(level, file string) io.Closer {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	lvl, err := log.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		log.Warnf("logging: unknown level %q, using info", level)
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)

	if strings.TrimSpace(file) == "" {
		log.SetOutput(os.Stdout)
		return nopCloser{}
	}

	rotator := &lumberjack.Logger{
		Filename:   file,
		MaxSize:    50,
		MaxBackups: 5,
		MaxAge:     14,
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stdout, rotator))
	return rotator
}
