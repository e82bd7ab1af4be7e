package log

import (
	"path/filepath"
	"testing"
)

func BenchmarkLogger_SyncFile(b *testing.B) {
	logger := NewLogger(&LogCfg{
		LogLevel:     InfoLevel,
		FileAppender: true,
		LogPath:      filepath.Join(b.TempDir(), "sync.log"),
		FileSplitMB:  50,
	})
	defer logger.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		logger.Info().Str("key", "value").Int("number", 42).Msg("benchmark test message")
	}
}

func BenchmarkLogger_AsyncFile(b *testing.B) {
	logger := NewLogger(&LogCfg{
		LogLevel:     InfoLevel,
		FileAppender: true,
		LogPath:      filepath.Join(b.TempDir(), "async.log"),
		FileSplitMB:  50,
		IsAsync:      true,
	})
	defer logger.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		logger.Info().Str("key", "value").Int("number", 42).Msg("benchmark test message")
	}
}

func BenchmarkLogger_Filtered(b *testing.B) {
	logger := NewLogger(&LogCfg{LogLevel: ErrorLevel})

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			logger.Info().Str("key", "value").Msg("filtered")
		}
	})
}
