package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memAppender struct {
	mu    sync.Mutex
	lines []string
}

func (m *memAppender) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lines = append(m.lines, string(p))
	return len(p), nil
}

func (m *memAppender) Refresh() {}

func (m *memAppender) records(t *testing.T) []map[string]any {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]map[string]any, 0, len(m.lines))
	for _, l := range m.lines {
		rec := map[string]any{}
		require.NoError(t, json.Unmarshal([]byte(l), &rec), "line %q", l)
		out = append(out, rec)
	}
	return out
}

func newMemLogger(level Level) (*GameLogger, *memAppender) {
	logger := NewLogger(&LogCfg{LogLevel: level})
	mem := &memAppender{}
	logger.AddAppender(mem)
	return logger, mem
}

func TestConsoleAppender_WriteDirect(t *testing.T) {
	ca := NewConsoleAppender()
	msg := []byte("hello-console-direct\n")
	n, err := ca.Write(msg)
	require.NoError(t, err)
	assert.Equal(t, len(msg), n)
}

func TestLogEventFields(t *testing.T) {
	logger, mem := newMemLogger(DebugLevel)

	logger.Info().
		Str("s", "quote\" and \\ and \n").
		Int("i", -3).
		Uint32("u32", 7).
		Uint64("u64", 1<<40).
		Bool("b", true).
		Dur("d", 1500*time.Millisecond).
		Hex("h", []byte{0xde, 0xad}).
		Err(errors.New("boom")).
		Msg("hello")

	recs := mem.records(t)
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, "INFO", rec["level"])
	assert.Equal(t, "hello", rec["msg"])
	assert.Equal(t, "quote\" and \\ and \n", rec["s"])
	assert.EqualValues(t, -3, rec["i"])
	assert.EqualValues(t, 7, rec["u32"])
	assert.EqualValues(t, 1<<40, rec["u64"])
	assert.Equal(t, true, rec["b"])
	assert.Equal(t, "1.5s", rec["d"])
	assert.Equal(t, "dead", rec["h"])
	assert.Equal(t, "boom", rec["error"])
	assert.NotEmpty(t, rec["time"])
}

func TestLevelFiltering(t *testing.T) {
	logger, mem := newMemLogger(WarnLevel)

	assert.Nil(t, logger.Debug())
	assert.Nil(t, logger.Info())
	// Chains on a filtered event are no-ops.
	logger.Info().Str("k", "v").Int("n", 1).Msg("dropped")
	logger.Warn().Msg("kept")
	logger.Error().Msg("kept too")

	recs := mem.records(t)
	require.Len(t, recs, 2)
	assert.Equal(t, "WARN", recs[0]["level"])
	assert.Equal(t, "ERROR", recs[1]["level"])

	logger.SetLevel(DebugLevel)
	logger.Debug().Msg("now visible")
	assert.Len(t, mem.records(t), 3)
}

func TestFatalPanics(t *testing.T) {
	logger, mem := newMemLogger(InfoLevel)
	assert.Panics(t, func() {
		logger.Fatal().Msg("fatal")
	})
	assert.Len(t, mem.records(t), 1)
}

func TestCallerInfo(t *testing.T) {
	logger := NewLogger(&LogCfg{LogLevel: InfoLevel, EnabledCallerInfo: true, CallerSkip: 0})
	mem := &memAppender{}
	logger.AddAppender(mem)

	logger.Info().Msg("with caller")
	recs := mem.records(t)
	require.Len(t, recs, 1)
	caller, _ := recs[0]["caller"].(string)
	assert.Contains(t, caller, "logger_test.go:")
}

func TestSessionLogger(t *testing.T) {
	logger, mem := newMemLogger(WarnLevel)
	logger.currentConfig = &LogCfg{LogLevel: WarnLevel, HostWhiteList: []uint32{42}}

	normal := NewSessionLogger(logger, 7)
	traced := NewSessionLogger(logger, 42)

	assert.False(t, normal.IgnoreCheckLevel())
	assert.True(t, traced.IgnoreCheckLevel())

	normal.Info().Msg("filtered")
	traced.Debug().Msg("whitelisted")
	normal.Error().Msg("error")

	recs := mem.records(t)
	require.Len(t, recs, 2)
	assert.EqualValues(t, 42, recs[0]["hostId"])
	assert.Equal(t, "DEBUG", recs[0]["level"])
	assert.EqualValues(t, 7, recs[1]["hostId"])
	assert.Equal(t, uint32(7), normal.HostID())
}

func TestFileAppender(t *testing.T) {
	for _, async := range []bool{false, true} {
		name := "sync"
		if async {
			name = "async"
		}
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "game.log")
			logger := NewLogger(&LogCfg{
				LogLevel:          InfoLevel,
				FileAppender:      true,
				LogPath:           path,
				FileSplitMB:       1,
				IsAsync:           async,
				AsyncWriteMillSec: 10,
			})
			for i := 0; i < 10; i++ {
				logger.Info().Int("i", i).Msg("line")
			}
			logger.Close()

			data, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, 10, strings.Count(string(data), "\n"))
		})
	}
}

func TestOnConfigChanged(t *testing.T) {
	logger := NewLogger(&LogCfg{LogLevel: InfoLevel})
	require.NoError(t, logger.OnConfigChanged("other", &LogCfg{LogLevel: DebugLevel}, nil))
	assert.Equal(t, InfoLevel, logger.GetCurrentConfig().LogLevel)

	require.NoError(t, logger.OnConfigChanged("logger", &LogCfg{LogLevel: ErrorLevel}, nil))
	assert.Equal(t, ErrorLevel, logger.GetCurrentConfig().LogLevel)
	assert.Nil(t, logger.Warn())
	assert.Equal(t, "logger", logger.GetConfigName())
}

func TestParseLevel(t *testing.T) {
	lv, err := ParseLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, WarnLevel, lv)
	_, err = ParseLevel("loud")
	assert.Error(t, err)
	assert.Equal(t, "LEVEL(9)", Level(9).String())
}

func TestLogCfgValidate(t *testing.T) {
	assert.NoError(t, DefaultCfg().Validate())
	assert.Error(t, (&LogCfg{FileAppender: true}).Validate())
	assert.Error(t, (&LogCfg{LogLevel: 99}).Validate())
	assert.Equal(t, "logger", DefaultCfg().GetName())
}

func TestJSONEscaping(t *testing.T) {
	var buf bytes.Buffer
	appendJSONString(&buf, "a\x01b\xffc")
	var out string
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, "a\x01b�c", out)
}
