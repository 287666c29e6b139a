package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Level represents log severity
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Category represents the subsystem generating the log
type Category string

const (
	CategoryQueue    Category = "queue"
	CategoryJob      Category = "job"
	CategoryPipeline Category = "pipeline"
	CategoryProvider Category = "provider"
	CategorySandbox  Category = "sandbox"
	CategoryImporter Category = "importer"
	CategoryStorage  Category = "storage"
	CategoryAPI      Category = "api"
)

// Event represents a structured log event
type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	Level     Level             `json:"level"`
	Category  Category          `json:"category"`
	EventType string            `json:"type"`
	WorkerID  string            `json:"worker_id,omitempty"`
	JobID     string            `json:"job_id,omitempty"`
	Details   map[string]any    `json:"details,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Message   string            `json:"message,omitempty"`
}

// Logger writes structured events to JSONL destinations
type Logger struct {
	workerID     string
	baseDir      string
	workerFile   *os.File
	errorFile    *os.File
	providerFile *os.File
	mu           sync.Mutex
	minLevel     Level
}

// NewLogger creates a new structured logger
func NewLogger(baseDir, workerID string) (*Logger, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	workersDir := filepath.Join(baseDir, "workers")
	if err := os.MkdirAll(workersDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workers directory: %w", err)
	}

	workerFile, err := os.OpenFile(
		filepath.Join(workersDir, workerID+".jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND,
		0644,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open worker log: %w", err)
	}

	errorFile, err := os.OpenFile(
		filepath.Join(baseDir, "errors.jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND,
		0644,
	)
	if err != nil {
		workerFile.Close()
		return nil, fmt.Errorf("failed to open error log: %w", err)
	}

	// Provider calls get a dedicated audit log so token/latency reviews
	// do not require replaying worker logs.
	providerFile, err := os.OpenFile(
		filepath.Join(baseDir, "provider.jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND,
		0644,
	)
	if err != nil {
		workerFile.Close()
		errorFile.Close()
		return nil, fmt.Errorf("failed to open provider log: %w", err)
	}

	return &Logger{
		workerID:     workerID,
		baseDir:      baseDir,
		workerFile:   workerFile,
		errorFile:    errorFile,
		providerFile: providerFile,
		minLevel:     LevelInfo,
	}, nil
}

// NewNopLogger returns a logger that discards everything. Used in tests.
func NewNopLogger() *Logger {
	return &Logger{minLevel: "off"}
}

// SetMinLevel sets the minimum log level
func (l *Logger) SetMinLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minLevel = level
}

// Log writes an event to appropriate destinations
func (l *Logger) Log(event Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.WorkerID == "" {
		event.WorkerID = l.workerID
	}

	if !l.shouldLog(event.Level) {
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	data = append(data, '\n')

	if l.workerFile != nil {
		if _, err := l.workerFile.Write(data); err != nil {
			return fmt.Errorf("failed to write to worker log: %w", err)
		}
	}

	if event.Level == LevelError && l.errorFile != nil {
		if _, err := l.errorFile.Write(data); err != nil {
			return fmt.Errorf("failed to write to error log: %w", err)
		}
	}

	if event.Category == CategoryProvider && l.providerFile != nil {
		if _, err := l.providerFile.Write(data); err != nil {
			return fmt.Errorf("failed to write to provider log: %w", err)
		}
	}

	return nil
}

// shouldLog checks if event should be logged based on level
func (l *Logger) shouldLog(level Level) bool {
	levels := map[Level]int{
		LevelDebug: 0,
		LevelInfo:  1,
		LevelWarn:  2,
		LevelError: 3,
	}
	minRank, ok := levels[l.minLevel]
	if !ok {
		return false
	}
	return levels[level] >= minRank
}

// Helper methods for common log patterns

// Debug logs a debug event
func (l *Logger) Debug(category Category, eventType string, message string, details map[string]any) error {
	return l.Log(Event{
		Level:     LevelDebug,
		Category:  category,
		EventType: eventType,
		Message:   message,
		Details:   details,
	})
}

// Info logs an info event
func (l *Logger) Info(category Category, eventType string, message string, details map[string]any) error {
	return l.Log(Event{
		Level:     LevelInfo,
		Category:  category,
		EventType: eventType,
		Message:   message,
		Details:   details,
	})
}

// Warn logs a warning event
func (l *Logger) Warn(category Category, eventType string, message string, details map[string]any) error {
	return l.Log(Event{
		Level:     LevelWarn,
		Category:  category,
		EventType: eventType,
		Message:   message,
		Details:   details,
	})
}

// Error logs an error event
func (l *Logger) Error(category Category, eventType string, message string, details map[string]any) error {
	return l.Log(Event{
		Level:     LevelError,
		Category:  category,
		EventType: eventType,
		Message:   message,
		Details:   details,
	})
}

// JobEvent logs an event tied to one job.
func (l *Logger) JobEvent(level Level, category Category, jobID, eventType, message string, details map[string]any) error {
	return l.Log(Event{
		Level:     level,
		Category:  category,
		EventType: eventType,
		JobID:     jobID,
		Message:   message,
		Details:   details,
	})
}

// Close closes all log files
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	if l.workerFile != nil {
		if err := l.workerFile.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if l.errorFile != nil {
		if err := l.errorFile.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if l.providerFile != nil {
		if err := l.providerFile.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing log files: %v", errs)
	}
	return nil
}

// ReadRecentEvents reads the last N events from a JSONL log file.
func ReadRecentEvents(logPath string, count int) ([]Event, error) {
	file, err := os.Open(logPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}
	defer file.Close()

	var events []Event
	decoder := json.NewDecoder(file)
	for {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			break
		}
		events = append(events, event)
	}

	if len(events) > count {
		events = events[len(events)-count:]
	}
	return events, nil
}
