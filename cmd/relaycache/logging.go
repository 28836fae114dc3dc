package main

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// newLogger writes to stderr, or to a size-rotated file when path is set.
func newLogger(path string) (*log.Logger, io.Closer) {
	if path == "" {
		return log.New(os.Stderr, "relaycache ", log.LstdFlags), nopCloser{}
	}
	rotating := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	}
	return log.New(rotating, "relaycache ", log.LstdFlags|log.LUTC), rotating
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
