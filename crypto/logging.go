package crypto

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// LoggerHelper provides standardized logging fields for the protocol
// packages that sit on top of the crypto primitives.
type LoggerHelper struct {
	function string
	pkg      string
	fields   logrus.Fields
}

// NewLogger creates a new logger helper for a function of the crypto package.
func NewLogger(function string) *LoggerHelper {
	return NewPackageLogger("crypto", function)
}

// NewPackageLogger creates a new logger helper for a function of any package.
func NewPackageLogger(pkg, function string) *LoggerHelper {
	return &LoggerHelper{
		function: function,
		pkg:      pkg,
		fields: logrus.Fields{
			"function": function,
			"package":  pkg,
		},
	}
}

// WithField adds a custom field to the logger
func (l *LoggerHelper) WithField(key string, value interface{}) *LoggerHelper {
	l.fields[key] = value
	return l
}

// WithFields adds multiple custom fields to the logger
func (l *LoggerHelper) WithFields(fields logrus.Fields) *LoggerHelper {
	for k, v := range fields {
		l.fields[k] = v
	}
	return l
}

// WithError adds error information to the logger
func (l *LoggerHelper) WithError(err error, operation string) *LoggerHelper {
	l.fields["error"] = err.Error()
	l.fields["operation"] = operation
	return l
}

// WithKey adds a truncated preview of key material. The full key is never logged.
func (l *LoggerHelper) WithKey(name string, key *Key) *LoggerHelper {
	return l.WithFields(SecureFieldHash(key[:], name))
}

// Fields returns a copy of the accumulated fields.
func (l *LoggerHelper) Fields() logrus.Fields {
	out := make(logrus.Fields, len(l.fields))
	for k, v := range l.fields {
		out[k] = v
	}
	return out
}

// Debug logs a debug message
func (l *LoggerHelper) Debug(message string) {
	logrus.WithFields(l.fields).Debug(message)
}

// Info logs an info message
func (l *LoggerHelper) Info(message string) {
	logrus.WithFields(l.fields).Info(message)
}

// Warn logs a warning message
func (l *LoggerHelper) Warn(message string) {
	logrus.WithFields(l.fields).Warn(message)
}

// Error logs an error message
func (l *LoggerHelper) Error(message string) {
	logrus.WithFields(l.fields).Error(message)
}

// SecureFieldHash creates a short preview of sensitive data for logging.
// Only the first 4 bytes are shown.
func SecureFieldHash(data []byte, name string) logrus.Fields {
	preview := "nil"
	if len(data) > 0 {
		previewLen := 4
		if len(data) < previewLen {
			previewLen = len(data)
		}
		preview = fmt.Sprintf("%x", data[:previewLen])
		if len(data) > previewLen {
			preview += "..."
		}
	}

	return logrus.Fields{
		name + "_preview": preview,
		name + "_size":    len(data),
	}
}
