package main

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	coreLog  *logrus.Entry
	ariLog   *logrus.Entry
	aiLog    *logrus.Entry
	rtpLog   *logrus.Entry
	adminLog *logrus.Entry
	logFile  *lumberjack.Logger
)

// initLogging builds the named loggers from the [logging] section.
func initLogging(cfg *ini.File) error {
	sec := cfg.Section("logging")

	consoleMin := toLogrusLevel(sec.Key("console_min_level").MustInt(0))
	fileMin := toLogrusLevel(sec.Key("file_min_level").MustInt(0))
	base := sec.Key("level").MustInt(2)

	logFile = &lumberjack.Logger{
		Filename:   sec.Key("file").MustString("ari2ai.log"),
		MaxSize:    100, // megabytes
		MaxBackups: 1,
	}

	level := func(name string) logrus.Level {
		return toLogrusLevel(sec.Key(name).MustInt(base))
	}
	coreLog = newLogger("core", level("core"), consoleMin, fileMin, logFile)
	ariLog = newLogger("ari", level("ari"), consoleMin, fileMin, logFile)
	aiLog = newLogger("ai", level("ai"), consoleMin, fileMin, logFile)
	rtpLog = newLogger("rtp", level("rtp"), consoleMin, fileMin, logFile)
	adminLog = newLogger("admin", level("admin"), consoleMin, fileMin, logFile)
	return nil
}

// closeLogging flushes and closes log files.
func closeLogging() {
	if logFile != nil {
		_ = logFile.Close()
	}
}

// writerHook writes logs to the specified writer for provided levels.
type writerHook struct {
	Writer    io.Writer
	LogLevels []logrus.Level
}

func (h *writerHook) Fire(e *logrus.Entry) error {
	line, err := e.String()
	if err != nil {
		return err
	}
	_, err = h.Writer.Write([]byte(line))
	return err
}

func (h *writerHook) Levels() []logrus.Level {
	return h.LogLevels
}

func newLogger(name string, level, consoleMin, fileMin logrus.Level, file io.Writer) *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(io.Discard)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	logger.AddHook(&writerHook{Writer: os.Stdout, LogLevels: availableLevels(consoleMin)})
	logger.AddHook(&writerHook{Writer: file, LogLevels: availableLevels(fileMin)})
	return logger.WithField("name", name)
}

// availableLevels lists the levels at least as severe as min.
func availableLevels(min logrus.Level) []logrus.Level {
	levels := []logrus.Level{}
	for _, l := range logrus.AllLevels {
		if l <= min {
			levels = append(levels, l)
		}
	}
	return levels
}

func toLogrusLevel(v int) logrus.Level {
	switch {
	case v <= 0:
		return logrus.TraceLevel
	case v == 1:
		return logrus.DebugLevel
	case v == 2:
		return logrus.InfoLevel
	case v == 3:
		return logrus.WarnLevel
	case v == 4:
		return logrus.ErrorLevel
	case v == 5:
		return logrus.FatalLevel
	default:
		return logrus.PanicLevel // off
	}
}

func fromLogrusLevel(l logrus.Level) int {
	switch l {
	case logrus.TraceLevel:
		return 0
	case logrus.DebugLevel:
		return 1
	case logrus.InfoLevel:
		return 2
	case logrus.WarnLevel:
		return 3
	case logrus.ErrorLevel:
		return 4
	case logrus.FatalLevel:
		return 5
	default:
		return 6
	}
}
