package mlog

import (
	"fmt"
	"log"
)

type stdoutLogger struct {
	level Level
}

func newStdoutLogger(level Level) *stdoutLogger {
	log.SetFlags(log.Ldate | log.Lmicroseconds)
	return &stdoutLogger{level: level}
}

func (l *stdoutLogger) enabled(level Level) bool {
	return l.level >= level
}

func (l *stdoutLogger) output(level Level, args ...any) {
	if l.enabled(level) {
		log.Println(getLevelTag(level) + fmt.Sprint(args...))
	}
}

func (l *stdoutLogger) outputf(level Level, format string, args ...any) {
	if l.enabled(level) {
		log.Println(getLevelTag(level) + fmt.Sprintf(format, args...))
	}
}

func (l *stdoutLogger) Debug(v ...any) { l.output(DebugLevel, v...) }
func (l *stdoutLogger) Info(v ...any)  { l.output(InfoLevel, v...) }
func (l *stdoutLogger) Warn(v ...any)  { l.output(WarnLevel, v...) }
func (l *stdoutLogger) Error(v ...any) { l.output(ErrorLevel, v...) }
func (l *stdoutLogger) Fatal(v ...any) { l.output(FatalLevel, v...) }

func (l *stdoutLogger) Debugf(format string, v ...any) { l.outputf(DebugLevel, format, v...) }
func (l *stdoutLogger) Infof(format string, v ...any)  { l.outputf(InfoLevel, format, v...) }
func (l *stdoutLogger) Warnf(format string, v ...any)  { l.outputf(WarnLevel, format, v...) }
func (l *stdoutLogger) Errorf(format string, v ...any) { l.outputf(ErrorLevel, format, v...) }
func (l *stdoutLogger) Fatalf(format string, v ...any) { l.outputf(FatalLevel, format, v...) }
