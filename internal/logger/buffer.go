package logger

import (
	"sync"
	"time"

	"go.uber.org/zap/zapcore"
)

// LogEntry represents a single log entry in the buffer
type LogEntry struct {
	Level     string                 `json:"level"`
	Logger    string                 `json:"logger,omitempty"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// LogBuffer is a thread-safe ring of recent entries.
type LogBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	limit   int
}

// NewLogBuffer creates a buffer holding at most limit entries.
func NewLogBuffer(limit int) *LogBuffer {
	return &LogBuffer{
		entries: make([]LogEntry, 0, limit),
		limit:   limit,
	}
}

// GlobalBuffer is the buffer served by the admin log endpoint.
var GlobalBuffer = NewLogBuffer(1000)

// Add appends an entry, dropping the oldest beyond the limit.
func (b *LogBuffer) Add(entry LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries = append(b.entries, entry)
	if len(b.entries) > b.limit {
		b.entries = b.entries[len(b.entries)-b.limit:]
	}
}

// GetRecent returns up to n entries, newest first. n <= 0 returns all.
func (b *LogBuffer) GetRecent(n int) []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n <= 0 || n > len(b.entries) {
		n = len(b.entries)
	}
	result := make([]LogEntry, n)
	copy(result, b.entries[len(b.entries)-n:])
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return result
}

// Len returns the number of buffered entries.
func (b *LogBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Clear clears the buffer
func (b *LogBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = make([]LogEntry, 0, b.limit)
}

// bufferCore is a zapcore.Core writing entries and their structured
// fields into a LogBuffer.
type bufferCore struct {
	zapcore.LevelEnabler
	buf    *LogBuffer
	fields []zapcore.Field
}

// NewBufferCore returns a core that records into buf.
func NewBufferCore(buf *LogBuffer, enab zapcore.LevelEnabler) zapcore.Core {
	return &bufferCore{LevelEnabler: enab, buf: buf}
}

func (c *bufferCore) With(fields []zapcore.Field) zapcore.Core {
	clone := *c
	clone.fields = append(append([]zapcore.Field(nil), c.fields...), fields...)
	return &clone
}

func (c *bufferCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *bufferCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}
	entry := LogEntry{
		Level:     ent.Level.String(),
		Logger:    ent.LoggerName,
		Message:   ent.Message,
		Timestamp: ent.Time,
	}
	if len(enc.Fields) > 0 {
		entry.Fields = enc.Fields
	}
	c.buf.Add(entry)
	return nil
}

func (c *bufferCore) Sync() error {
	return nil
}
