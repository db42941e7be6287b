package logger

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"
)

// JSONLogEntry defines a single structured log line
type JSONLogEntry struct {
	Timestamp time.Time              `json:"timestamp,omitempty"`
	Message   string                 `json:"message"`
	Severity  string                 `json:"severity,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Component string                 `json:"component,omitempty"`
}

// String renders an entry structure to a JSON line.
func (e JSONLogEntry) String() string {
	if e.Severity == "" {
		e.Severity = "INFO"
	}
	out, err := json.Marshal(e)
	if err != nil {
		log.Printf("json.Marshal: %v", err)
	}
	return string(out)
}

type jsonLogger struct {
	metadata  map[string]interface{}
	component string
	logLevel  LogLevel
}

var _ Logger = (*jsonLogger)(nil)

func (c *jsonLogger) clone() *jsonLogger {
	metadata := make(map[string]interface{})
	for k, v := range c.metadata {
		metadata[k] = v
	}
	return &jsonLogger{
		metadata:  metadata,
		component: c.component,
		logLevel:  c.logLevel,
	}
}

// WithPrefix will return a new logger with a prefix prepended to the message
func (c *jsonLogger) WithPrefix(prefix string) Logger {
	clone := c.clone()
	if clone.component == "" {
		clone.component = prefix
	} else if !strings.Contains(clone.component, prefix) {
		clone.component = clone.component + " " + prefix
	}
	return clone
}

func (c *jsonLogger) With(newFields map[string]interface{}) Logger {
	clone := c.clone()
	for k, v := range newFields {
		clone.metadata[k] = v
	}
	if comp, ok := clone.metadata["component"].(string); ok {
		clone.component = comp
		delete(clone.metadata, "component")
	}
	return clone
}

func (c *jsonLogger) Log(level LogLevel, severity string, msg string, args ...interface{}) {
	if level < c.logLevel {
		return
	}
	_msg := msg
	if len(args) > 0 {
		_msg = fmt.Sprintf(msg, args...)
	}
	entry := JSONLogEntry{
		Severity:  severity,
		Message:   ansiColorStripper.ReplaceAllString(_msg, ""),
		Metadata:  c.metadata,
		Component: c.component,
		Timestamp: time.Now(),
	}
	log.Println(entry)
}

func (c *jsonLogger) Trace(msg string, args ...interface{}) {
	c.Log(LevelTrace, "TRACE", msg, args...)
}

func (c *jsonLogger) Debug(msg string, args ...interface{}) {
	c.Log(LevelDebug, "DEBUG", msg, args...)
}

func (c *jsonLogger) Info(msg string, args ...interface{}) {
	c.Log(LevelInfo, "INFO", msg, args...)
}

func (c *jsonLogger) Warn(msg string, args ...interface{}) {
	c.Log(LevelWarn, "WARNING", msg, args...)
}

func (c *jsonLogger) Error(msg string, args ...interface{}) {
	c.Log(LevelError, "ERROR", msg, args...)
}

func (c *jsonLogger) Fatal(msg string, args ...interface{}) {
	c.Log(LevelError, "ERROR", msg, args...)
	os.Exit(1)
}

// NewJSONLogger returns a new Logger instance which can be used for structured logging
func NewJSONLogger(levels ...LogLevel) Logger {
	level := GetLevelFromEnv()
	if len(levels) > 0 {
		level = levels[0]
	}
	return &jsonLogger{logLevel: level, metadata: make(map[string]interface{})}
}
