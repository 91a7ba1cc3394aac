package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

type Logger struct {
	entry *logrus.Logger
	mu    sync.Mutex
	file  *os.File
}

// Options controls where and how log entries are written.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // json or text
	File   string // empty means stdout
}

var (
	instance *Logger
	once     sync.Once
)

// GetLogger returns the process-wide logger, writing text to stdout until Configure is called.
func GetLogger() *Logger {
	once.Do(func() {
		instance = newLogger()
	})
	return instance
}

// L is shorthand for GetLogger.
func L() *Logger {
	return GetLogger()
}

func newLogger() *Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	return &Logger{entry: l}
}

// Configure applies level, format and output. A log file is opened in append mode and its
// directory created if needed.
func (l *Logger) Configure(opts Options) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	level, err := logrus.ParseLevel(strings.ToLower(opts.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	l.entry.SetLevel(level)

	if strings.EqualFold(opts.Format, "json") {
		l.entry.SetFormatter(&logrus.JSONFormatter{})
	}

	if opts.File == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	file, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	if l.file != nil {
		l.file.Close()
	}
	l.file = file
	l.entry.SetOutput(file)
	return nil
}

// SetOutput redirects log output; used by tests to silence or capture logs.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entry.SetOutput(w)
}

func (l *Logger) fields(props []map[string]interface{}) logrus.Fields {
	f := logrus.Fields{}

	// skip fields, log wrapper, and the level method itself
	pc, file, line, ok := runtime.Caller(3)
	if ok {
		f["location"] = fmt.Sprintf("%s:%d", filepath.Base(file), line)
		f["package"] = filepath.Base(filepath.Dir(file))
		if fn := runtime.FuncForPC(pc); fn != nil {
			f["function"] = filepath.Base(fn.Name())
		}
	}

	if len(props) > 0 {
		for k, v := range props[0] {
			f[k] = v
		}
	}
	return f
}

func (l *Logger) log(level logrus.Level, msg string, props []map[string]interface{}) {
	if !l.entry.IsLevelEnabled(level) {
		return
	}
	l.entry.WithFields(l.fields(props)).Log(level, msg)
}

func (l *Logger) Info(msg string, props ...map[string]interface{}) {
	l.log(logrus.InfoLevel, msg, props)
}

func (l *Logger) Warn(msg string, props ...map[string]interface{}) {
	l.log(logrus.WarnLevel, msg, props)
}

func (l *Logger) Error(msg string, props ...map[string]interface{}) {
	l.log(logrus.ErrorLevel, msg, props)
}

func (l *Logger) Debug(msg string, props ...map[string]interface{}) {
	l.log(logrus.DebugLevel, msg, props)
}

// Fatal logs the entry and exits the process.
func (l *Logger) Fatal(msg string, props ...map[string]interface{}) {
	l.log(logrus.FatalLevel, msg, props)
	os.Exit(1)
}

// EnableDebug enables debug logging
func (l *Logger) EnableDebug() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entry.SetLevel(logrus.DebugLevel)
}

// Close releases the log file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	l.entry.SetOutput(os.Stdout)
	err := l.file.Close()
	l.file = nil
	return err
}
