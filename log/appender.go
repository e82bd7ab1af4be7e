package log

import (
	"io"
	"os"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogAppender is an output destination for encoded log lines.
type LogAppender interface {
	io.Writer

	// Refresh flushes pending output.
	Refresh()
}

// ConsoleAppender writes lines to stdout.
type ConsoleAppender struct {
	mu  sync.Mutex
	out io.Writer
}

// NewConsoleAppender creates an appender writing to os.Stdout.
func NewConsoleAppender() *ConsoleAppender {
	return &ConsoleAppender{out: os.Stdout}
}

func (c *ConsoleAppender) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.Write(p)
}

// Refresh is a no-op; stdout is unbuffered.
func (c *ConsoleAppender) Refresh() {}

// FileAppender writes lines to a size-rotated file. In async mode lines are
// queued and written by a background goroutine; a full queue falls back to a
// synchronous write so no line is lost.
type FileAppender struct {
	mu     sync.Mutex
	file   *lumberjack.Logger
	queue  chan []byte
	ticker *time.Ticker
	done   chan struct{}
	wg     sync.WaitGroup
	closed sync.Once
}

// NewFileAppender opens the rotating file described by cfg.
func NewFileAppender(cfg *LogCfg) *FileAppender {
	fa := &FileAppender{
		file: &lumberjack.Logger{
			Filename:   cfg.LogPath,
			MaxSize:    cfg.FileSplitMB,
			MaxBackups: cfg.MaxBackups,
			LocalTime:  true,
		},
	}

	if cfg.IsAsync {
		size := cfg.AsyncCacheSize
		if size <= 0 {
			size = 1024
		}
		interval := time.Duration(cfg.AsyncWriteMillSec) * time.Millisecond
		if interval <= 0 {
			interval = 200 * time.Millisecond
		}
		fa.queue = make(chan []byte, size)
		fa.done = make(chan struct{})
		fa.ticker = time.NewTicker(interval)
		fa.wg.Add(1)
		go fa.loop()
	}
	return fa
}

func (f *FileAppender) Write(p []byte) (int, error) {
	if f.queue == nil {
		return f.writeFile(p)
	}

	line := make([]byte, len(p))
	copy(line, p)
	select {
	case f.queue <- line:
		return len(p), nil
	default:
		return f.writeFile(line)
	}
}

func (f *FileAppender) writeFile(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.file.Write(p)
}

func (f *FileAppender) loop() {
	defer f.wg.Done()
	for {
		select {
		case <-f.done:
			f.Refresh()
			return
		case <-f.ticker.C:
			f.Refresh()
		}
	}
}

// Refresh drains the async queue into the file.
func (f *FileAppender) Refresh() {
	if f.queue == nil {
		return
	}
	for {
		select {
		case line := <-f.queue:
			_, _ = f.writeFile(line)
		default:
			return
		}
	}
}

// Rotate forces the current file to be rotated.
func (f *FileAppender) Rotate() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.file.Rotate()
}

// Close flushes pending lines and closes the file.
func (f *FileAppender) Close() error {
	f.closed.Do(func() {
		if f.queue != nil {
			close(f.done)
			f.wg.Wait()
			f.ticker.Stop()
		}
	})
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.file.Close()
}
