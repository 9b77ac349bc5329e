package mlog

import (
	"context"
	"sync"
)

// Logger raftrpc全局日志接口，具体实现可由使用方注入
type Logger interface {
	Debug(v ...any)
	Info(v ...any)
	Warn(v ...any)
	Error(v ...any)
	Fatal(v ...any)

	Debugf(format string, v ...any)
	Infof(format string, v ...any)
	Warnf(format string, v ...any)
	Errorf(format string, v ...any)
	Fatalf(format string, v ...any)
}

var logger Logger

func SetLogger(l Logger) {
	logger = l
}

func UseStdLogger(level Level) {
	SetLogger(newStdoutLogger(level))
}

// UseFileLogger 使用带缓冲的文件日志，ctx结束时落盘退出
func UseFileLogger(ctx context.Context, wg *sync.WaitGroup, path, name string, level Level, stdOut bool) error {
	l, err := newFileLogger(path, name, level, stdOut)
	if err != nil {
		return err
	}
	l.start(ctx, wg)
	SetLogger(l)
	return nil
}

type Level uint32

const (
	FatalLevel Level = iota
	ErrorLevel
	WarnLevel
	InfoLevel
	DebugLevel
)

func getLevelTag(level Level) string {
	switch level {
	case DebugLevel:
		return "[D] "
	case InfoLevel:
		return "[I] "
	case WarnLevel:
		return "[W] "
	case ErrorLevel:
		return "[E] "
	case FatalLevel:
		return "[F] "
	default:
		return "[?] "
	}
}

func Debug(a ...any) {
	if logger == nil {
		return
	}
	logger.Debug(a...)
}

func Debugf(format string, a ...any) {
	if logger == nil {
		return
	}
	logger.Debugf(format, a...)
}

func Info(a ...any) {
	if logger == nil {
		return
	}
	logger.Info(a...)
}

func Infof(format string, a ...any) {
	if logger == nil {
		return
	}
	logger.Infof(format, a...)
}

func Warn(a ...any) {
	if logger == nil {
		return
	}
	logger.Warn(a...)
}

func Warnf(format string, a ...any) {
	if logger == nil {
		return
	}
	logger.Warnf(format, a...)
}

func Error(a ...any) {
	if logger == nil {
		return
	}
	logger.Error(a...)
}

func Errorf(format string, a ...any) {
	if logger == nil {
		return
	}
	logger.Errorf(format, a...)
}

func Fatal(a ...any) {
	if logger == nil {
		return
	}
	logger.Fatal(a...)
}

func Fatalf(format string, a ...any) {
	if logger == nil {
		return
	}
	logger.Fatalf(format, a...)
}
