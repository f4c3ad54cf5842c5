package standard

import (
	"sync"
	"time"

	"go.uber.org/zap/zapcore"
)

// DefaultRecentLogSize is the ring size used when none is configured.
const DefaultRecentLogSize = 100

// LogEntry represents a single log entry.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     zapcore.Level  `json:"level"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
}

// RecentLogs keeps the last N log entries written through its zap core.
// It is the side channel hosts use to observe delivery failures.
type RecentLogs struct {
	mu         sync.Mutex
	entries    []LogEntry
	maxEntries int
	level      zapcore.LevelEnabler
}

// NewRecentLogs creates a ring of maxEntries entries recording Info and above.
func NewRecentLogs(maxEntries int) *RecentLogs {
	if maxEntries <= 0 {
		maxEntries = DefaultRecentLogSize
	}
	return &RecentLogs{
		entries:    make([]LogEntry, 0, maxEntries),
		maxEntries: maxEntries,
		level:      zapcore.InfoLevel,
	}
}

// Core returns a zapcore.Core that appends into r. Tee it with the host's core.
func (r *RecentLogs) Core() zapcore.Core {
	return &recentCore{LevelEnabler: r.level, logs: r}
}

func (r *RecentLogs) add(entry LogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = append(r.entries, entry)
	if len(r.entries) > r.maxEntries {
		r.entries = r.entries[len(r.entries)-r.maxEntries:]
	}
}

// Entries returns a copy of the retained entries, oldest first.
func (r *RecentLogs) Entries() []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]LogEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Count returns the number of retained entries at exactly level.
func (r *RecentLogs) Count(level zapcore.Level) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.entries {
		if e.Level == level {
			n++
		}
	}
	return n
}

type recentCore struct {
	zapcore.LevelEnabler
	logs   *RecentLogs
	fields []zapcore.Field
}

func (c *recentCore) With(fields []zapcore.Field) zapcore.Core {
	merged := make([]zapcore.Field, 0, len(c.fields)+len(fields))
	merged = append(merged, c.fields...)
	merged = append(merged, fields...)
	return &recentCore{LevelEnabler: c.LevelEnabler, logs: c.logs, fields: merged}
}

func (c *recentCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *recentCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}

	entry := LogEntry{
		Timestamp: ent.Time.UTC(),
		Level:     ent.Level,
		Message:   ent.Message,
	}
	if len(enc.Fields) > 0 {
		entry.Context = enc.Fields
	}
	c.logs.add(entry)
	return nil
}

func (c *recentCore) Sync() error { return nil }
