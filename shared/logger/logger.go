// Copyright 2025 Suprema
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"encoding/json"
	"log"
	"os"
	"time"
)

// LogLevel represents the severity of a log entry
type LogLevel string

const (
	DEBUG LogLevel = "DEBUG"
	INFO  LogLevel = "INFO"
	WARN  LogLevel = "WARN"
	ERROR LogLevel = "ERROR"
)

// Logger provides structured JSON logging for gateway components
type Logger struct {
	Component string
	Instance  string
}

// LogEntry is the wire format of a single log line
type LogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     LogLevel               `json:"level"`
	Component string                 `json:"component"`
	Instance  string                 `json:"instance"`
	Username  string                 `json:"username,omitempty"`
	Endpoint  string                 `json:"endpoint,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// New creates a Logger for the specified component. The instance name
// comes from the container hostname so log lines can be traced back to
// a replica.
func New(component string) *Logger {
	instance, err := os.Hostname()
	if err != nil {
		instance = "unknown"
	}
	return &Logger{Component: component, Instance: instance}
}

// Log writes a structured entry to stdout
func (l *Logger) Log(level LogLevel, username, endpoint, message string, fields map[string]interface{}) {
	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level,
		Component: l.Component,
		Instance:  l.Instance,
		Username:  username,
		Endpoint:  endpoint,
		Message:   message,
		Fields:    fields,
	}

	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		// Fallback to plain text if JSON marshaling fails
		log.Printf("ERROR: Failed to marshal log entry: %v", err)
		return
	}
	log.Println(string(jsonBytes))
}

// Info logs an informational message
func (l *Logger) Info(username, endpoint, message string, fields map[string]interface{}) {
	l.Log(INFO, username, endpoint, message, fields)
}

// Warn logs a warning message
func (l *Logger) Warn(username, endpoint, message string, fields map[string]interface{}) {
	l.Log(WARN, username, endpoint, message, fields)
}

// Error logs an error message
func (l *Logger) Error(username, endpoint, message string, fields map[string]interface{}) {
	l.Log(ERROR, username, endpoint, message, fields)
}

// Debug logs a debug message
func (l *Logger) Debug(username, endpoint, message string, fields map[string]interface{}) {
	l.Log(DEBUG, username, endpoint, message, fields)
}
