package utils

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// ComponentField names the daemon component that produced a log entry
	ComponentField = "component"
	// DefaultComponentPadding is the width of the component column
	DefaultComponentPadding = 12
	// DefaultLevelPadding is the width of the level column
	DefaultLevelPadding = 5
)

// LogOptions configures the operational logger
type LogOptions struct {
	Level            string
	Format           string
	Output           io.Writer
	DisableTimestamp bool
}

// SetupLogging configures the standard logrus logger
func SetupLogging(opts LogOptions) error {
	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		return err
	}
	switch opts.Format {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{DisableTimestamp: opts.DisableTimestamp})
	default:
		logrus.SetFormatter(&TextFormatter{DisableTimestamp: opts.DisableTimestamp})
	}
	if opts.Output != nil {
		logrus.SetOutput(opts.Output)
	}
	logrus.SetLevel(level)
	return nil
}

// ComponentLogger returns an entry of the standard logger tagged with component
func ComponentLogger(component string) *logrus.Entry {
	return logrus.WithField(ComponentField, component)
}

// TextFormatter is a logrus-compatible formatter that renders
// "time LEVEL [COMPONENT] message key:value ..." lines.
type TextFormatter struct {
	// DisableTimestamp disables timestamp output (useful when outputting to
	// systemd logs)
	DisableTimestamp bool
	// ComponentPadding defaults to DefaultComponentPadding
	ComponentPadding int
}

// Format implements logrus.Formatter
func (tf *TextFormatter) Format(e *logrus.Entry) ([]byte, error) {
	w := &lineWriter{}

	if !tf.DisableTimestamp {
		w.field(e.Time.Format(time.RFC3339))
	}
	w.field(strings.ToUpper(padMax(e.Level.String(), DefaultLevelPadding)))

	padding := DefaultComponentPadding
	if tf.ComponentPadding != 0 {
		padding = tf.ComponentPadding
	}
	if component, ok := e.Data[ComponentField]; ok {
		w.field(strings.ToUpper(padMax(fmt.Sprintf("[%v]", component), padding)))
	}

	if e.Message != "" {
		w.field(quoteIfNeeded(e.Message))
	}
	w.fields(e.Data)
	w.WriteByte('\n')
	return w.Bytes(), nil
}

type lineWriter struct {
	bytes.Buffer
}

func (w *lineWriter) field(s string) {
	if w.Len() > 0 {
		w.WriteByte(' ')
	}
	w.WriteString(s)
}

func (w *lineWriter) fields(data logrus.Fields) {
	keys := make([]string, 0, len(data))
	for key := range data {
		if key == ComponentField {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := data[key]
		if key == logrus.ErrorKey {
			w.field(fmt.Sprintf("%s:[%v]", key, value))
			continue
		}
		switch v := value.(type) {
		case string:
			w.field(key + ":" + quoteIfNeeded(v))
		default:
			w.field(fmt.Sprintf("%s:%v", key, v))
		}
	}
}

func quoteIfNeeded(text string) string {
	for _, r := range text {
		if !strconv.IsPrint(r) {
			return strconv.Quote(text)
		}
	}
	return text
}

func padMax(in string, chars int) string {
	switch {
	case len(in) < chars:
		return in + strings.Repeat(" ", chars-len(in))
	default:
		return in[:chars]
	}
}
