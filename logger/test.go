package logger

import (
	"fmt"
	"os"
	"sync"
)

// TestLogEntry is one captured log call.
type TestLogEntry struct {
	Severity string
	Message  string
	Metadata map[string]interface{}
}

// TestLogger captures log entries for assertions in tests.
type TestLogger struct {
	mu       sync.Mutex
	metadata map[string]interface{}
	entries  *[]TestLogEntry
	entrymu  *sync.Mutex
}

var _ Logger = (*TestLogger)(nil)

// NewTestLogger returns a logger that records every call.
func NewTestLogger() *TestLogger {
	entries := make([]TestLogEntry, 0)
	return &TestLogger{
		entries:  &entries,
		entrymu:  &sync.Mutex{},
		metadata: make(map[string]interface{}),
	}
}

// Entries returns a copy of everything logged so far.
func (c *TestLogger) Entries() []TestLogEntry {
	c.entrymu.Lock()
	defer c.entrymu.Unlock()
	out := make([]TestLogEntry, len(*c.entries))
	copy(out, *c.entries)
	return out
}

func (c *TestLogger) With(metadata map[string]interface{}) Logger {
	c.mu.Lock()
	defer c.mu.Unlock()
	kv := make(map[string]interface{})
	for k, v := range c.metadata {
		kv[k] = v
	}
	for k, v := range metadata {
		kv[k] = v
	}
	return &TestLogger{entries: c.entries, entrymu: c.entrymu, metadata: kv}
}

func (c *TestLogger) WithPrefix(prefix string) Logger {
	return c
}

func (c *TestLogger) log(severity string, msg string, args ...interface{}) {
	c.entrymu.Lock()
	defer c.entrymu.Unlock()
	*c.entries = append(*c.entries, TestLogEntry{
		Severity: severity,
		Message:  fmt.Sprintf(msg, args...),
		Metadata: c.metadata,
	})
}

func (c *TestLogger) Trace(msg string, args ...interface{}) { c.log("TRACE", msg, args...) }
func (c *TestLogger) Debug(msg string, args ...interface{}) { c.log("DEBUG", msg, args...) }
func (c *TestLogger) Info(msg string, args ...interface{})  { c.log("INFO", msg, args...) }
func (c *TestLogger) Warn(msg string, args ...interface{})  { c.log("WARN", msg, args...) }
func (c *TestLogger) Error(msg string, args ...interface{}) { c.log("ERROR", msg, args...) }

func (c *TestLogger) Fatal(msg string, args ...interface{}) {
	c.log("ERROR", msg, args...)
	os.Exit(1)
}
