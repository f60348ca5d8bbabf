package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RunLogger keeps a log file for a single invocation. While it is open the
// global logger writes JSON lines to the file in addition to the console.
type RunLogger struct {
	runID     string
	path      string
	logFile   *os.File
	mutex     sync.Mutex
	startTime time.Time
	previous  zerolog.Logger
}

var (
	currentLogger *RunLogger
	loggerMutex   sync.Mutex
)

// StartRunLogging creates dir/run_<id>_<timestamp>.log and tees the global
// logger into it
func StartRunLogging(dir, runID string) (*RunLogger, error) {
	loggerMutex.Lock()
	defer loggerMutex.Unlock()

	if currentLogger != nil {
		currentLogger.close()
	}

	timestamp := time.Now().Format("20060102_150405")
	logPath := filepath.Join(dir, fmt.Sprintf("run_%s_%s.log", runID, timestamp))

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}

	logger := &RunLogger{
		runID:     runID,
		path:      logPath,
		logFile:   logFile,
		startTime: time.Now(),
		previous:  log.Logger,
	}
	logger.writeHeader()

	multi := zerolog.MultiLevelWriter(consoleWriter(), logFile)
	log.Logger = zerolog.New(multi).With().Timestamp().Str("run_id", runID).Logger()

	currentLogger = logger
	return logger, nil
}

// GetCurrentLogger returns the current active logger
func GetCurrentLogger() *RunLogger {
	loggerMutex.Lock()
	defer loggerMutex.Unlock()
	return currentLogger
}

// Path returns the log file location
func (r *RunLogger) Path() string {
	if r == nil {
		return ""
	}
	return r.path
}

// Log writes a free-form line to the run log
func (r *RunLogger) Log(format string, args ...interface{}) {
	if r == nil {
		return
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.logFile == nil {
		return
	}

	timestamp := time.Now().Format("15:04:05.000")
	elapsed := time.Since(r.startTime)
	message := fmt.Sprintf("[%s] [+%v] %s\n", timestamp, elapsed.Round(time.Millisecond), fmt.Sprintf(format, args...))
	r.logFile.WriteString(message)
	r.logFile.Sync()
}

// LogSection writes a section header to the log
func (r *RunLogger) LogSection(title string) {
	if r == nil {
		return
	}

	separator := strings.Repeat("=", 80)
	r.Log("%s", separator)
	r.Log("= %s", title)
	r.Log("%s", separator)
}

// LogError logs an error
func (r *RunLogger) LogError(context string, err error) {
	if r == nil {
		return
	}

	r.Log("ERROR in %s: %v", context, err)
}

// Close writes the footer, closes the file and restores the previous logger
func (r *RunLogger) Close() {
	if r == nil {
		return
	}

	loggerMutex.Lock()
	defer loggerMutex.Unlock()
	r.close()
	if currentLogger == r {
		currentLogger = nil
	}
}

func (r *RunLogger) close() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.logFile == nil {
		return
	}

	timestamp := time.Now().Format("15:04:05.000")
	elapsed := time.Since(r.startTime)
	r.logFile.WriteString(fmt.Sprintf("[%s] [+%v] Run completed. Total duration: %v\n",
		timestamp, elapsed.Round(time.Millisecond), elapsed))
	r.logFile.Sync()
	r.logFile.Close()
	r.logFile = nil

	log.Logger = r.previous
}

func (r *RunLogger) writeHeader() {
	header := fmt.Sprintf(`TOXICTALK RUN LOG
Run ID: %s
Start Time: %s
Log Format: [HH:MM:SS.mmm] [+duration] message, interleaved with JSON events

`, r.runID, r.startTime.Format("2006-01-02 15:04:05"))

	r.logFile.WriteString(header)
	r.logFile.Sync()
}
