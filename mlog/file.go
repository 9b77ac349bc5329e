package mlog

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	fileBuffSize    = 0x10000
	maxLogFileSize  = int64(100 * 1024 * 1024)
	rotateCheckTime = 30 * time.Second
)

type fileLogger struct {
	path   string
	file   *os.File
	ll     *log.Logger
	buff   chan string
	level  Level
	stdOut bool
}

func newFileLogger(path, name string, level Level, stdOut bool) (*fileLogger, error) {
	if len(path) == 0 {
		path = "."
	}
	filename := filepath.Join(path, name+".log")
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	if stdOut {
		log.SetFlags(log.Ldate | log.Lmicroseconds)
	}
	return &fileLogger{
		path:   path,
		file:   file,
		ll:     log.New(file, "", log.Ldate|log.Lmicroseconds),
		buff:   make(chan string, fileBuffSize),
		level:  level,
		stdOut: stdOut,
	}, nil
}

// start 独立协程消费buff，避免写文件阻塞业务协程
func (l *fileLogger) start(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("mlog recover error %v\n", r)
			}
			l.file.Close()
			wg.Done()
		}()
		timer := time.NewTimer(rotateCheckTime)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				// 落盘剩余日志后退出
				for {
					select {
					case str := <-l.buff:
						l.write(str)
					default:
						return
					}
				}
			case str := <-l.buff:
				l.write(str)
			case <-timer.C:
				l.tryRotate()
				timer.Reset(rotateCheckTime)
			}
		}
	}()
}

func (l *fileLogger) write(str string) {
	if l.stdOut {
		log.Println(str)
	}
	l.ll.Println(str)
}

func (l *fileLogger) tryRotate() {
	info, err := os.Stat(l.file.Name())
	if err != nil {
		log.Println("mlog stat log file error", err)
		return
	}
	if info.Size() <= maxLogFileSize {
		return
	}
	rotated := fmt.Sprintf("%s.%s", l.file.Name(), time.Now().Format("20060102150405"))
	if err = os.Rename(l.file.Name(), rotated); err != nil {
		log.Println("mlog rotate log file error", err)
		return
	}
	file, err := os.OpenFile(l.file.Name(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		log.Println("mlog reopen log file error", err)
		return
	}
	l.ll.SetOutput(file)
	l.file.Close()
	l.file = file
}

func (l *fileLogger) enabled(level Level) bool {
	return l.level >= level
}

func (l *fileLogger) output(level Level, args ...any) {
	if l.enabled(level) {
		l.buff <- (getLevelTag(level) + fmt.Sprint(args...))
	}
}

func (l *fileLogger) outputf(level Level, format string, args ...any) {
	if l.enabled(level) {
		l.buff <- (getLevelTag(level) + fmt.Sprintf(format, args...))
	}
}

func (l *fileLogger) Debug(v ...any) { l.output(DebugLevel, v...) }
func (l *fileLogger) Info(v ...any)  { l.output(InfoLevel, v...) }
func (l *fileLogger) Warn(v ...any)  { l.output(WarnLevel, v...) }
func (l *fileLogger) Error(v ...any) { l.output(ErrorLevel, v...) }
func (l *fileLogger) Fatal(v ...any) { l.output(FatalLevel, v...) }

func (l *fileLogger) Debugf(format string, v ...any) { l.outputf(DebugLevel, format, v...) }
func (l *fileLogger) Infof(format string, v ...any)  { l.outputf(InfoLevel, format, v...) }
func (l *fileLogger) Warnf(format string, v ...any)  { l.outputf(WarnLevel, format, v...) }
func (l *fileLogger) Errorf(format string, v ...any) { l.outputf(ErrorLevel, format, v...) }
func (l *fileLogger) Fatalf(format string, v ...any) { l.outputf(FatalLevel, format, v...) }
