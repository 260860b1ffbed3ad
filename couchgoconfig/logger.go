package couchgoconfig

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/lni/dragonboat/v4/logger"
)

// couchgoLogger implements dragonboat's logger.ILogger, exactly as the
// teacher's dKVLogger does, just renamed for this domain.
type couchgoLogger struct {
	name   string
	level  logger.LogLevel
	logger *log.Logger
}

func (l *couchgoLogger) SetLevel(level logger.LogLevel) {
	l.level = level
}

func (l *couchgoLogger) Debugf(format string, args ...interface{}) {
	if l.level >= logger.DEBUG {
		l.log("DEBUG", format, args...)
	}
}

func (l *couchgoLogger) Infof(format string, args ...interface{}) {
	if l.level >= logger.INFO {
		l.log("INFO", format, args...)
	}
}

func (l *couchgoLogger) Warningf(format string, args ...interface{}) {
	if l.level >= logger.WARNING {
		l.log("WARN", format, args...)
	}
}

func (l *couchgoLogger) Errorf(format string, args ...interface{}) {
	if l.level >= logger.ERROR {
		l.log("ERROR", format, args...)
	}
}

func (l *couchgoLogger) Panicf(format string, args ...interface{}) {
	if l.level >= logger.CRITICAL {
		panic(fmt.Sprintf(format, args...))
	}
}

func (l *couchgoLogger) log(levelStr string, format string, args ...interface{}) {
	message := fmt.Sprintf(format, args...)
	l.logger.Printf("%-5s | %-18s | %s", levelStr, l.name, message)
}

// CreateLogger is dragonboat's logger.Factory signature, installed via
// logger.SetLoggerFactory so every package's logger.GetLogger(name)
// call returns a couchgoLogger.
func CreateLogger(pkgName string) logger.ILogger {
	stdLogger := log.New(os.Stdout, "", log.Ldate|log.Ltime)
	return &couchgoLogger{
		name:   pkgName,
		level:  logger.INFO,
		logger: stdLogger,
	}
}

// couchgoPackages lists every named logger §2.1 requires, mirroring
// the teacher's InitLoggers sweep over dragonboat's subsystem names.
var couchgoPackages = []string{
	"couchgo/bootstrap",
	"couchgo/router",
	"couchgo/conn",
	"couchgo/vbmap",
	"couchgo/scheduler",
	"couchgo/observe",
	"couchgo/handle",
}

// InitLoggers installs CreateLogger as dragonboat's logger factory and
// sets every couchgo package logger to levelStr, matching the teacher's
// ServerConfig.LogLevel wiring in rpc/common/logger.go.
func InitLoggers(levelStr string) {
	logger.SetLoggerFactory(CreateLogger)
	lvl := ParseLogLevel(levelStr)
	for _, name := range couchgoPackages {
		logger.GetLogger(name).SetLevel(lvl)
	}
}

// ParseLogLevel converts a string level ("debug".."error") or an
// LCB_LOGLEVEL-style 1..5 integer string into a logger.LogLevel.
// Unrecognised input falls back to INFO rather than panicking --
// unlike the teacher's parseLogLevel, a malformed env var here must
// not crash a library embedded in someone else's process.
func ParseLogLevel(level string) logger.LogLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "5":
		return logger.DEBUG
	case "info", "4", "3":
		return logger.INFO
	case "warning", "warn", "2":
		return logger.WARNING
	case "error", "1":
		return logger.ERROR
	default:
		return logger.INFO
	}
}
