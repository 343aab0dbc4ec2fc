package session

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/zy643208/gearmand/pkg/api"
)

// maxErrorSize bounds the last-error buffer, terminator included.
const maxErrorSize = 1024

// SetError records a "function:message" diagnostic. With a log sink
// installed the line is delivered at FATAL verbosity instead of being
// stored.
func (s *Session) SetError(function, format string, args ...any) {
	line := function + ":" + fmt.Sprintf(format, args...)
	if len(line) > maxErrorSize-1 {
		line = line[:maxErrorSize-1]
	}
	if s.logFn != nil {
		s.logFn(line, api.VerboseFatal)
		return
	}
	s.lastError = append(s.lastError[:0], line...)
}

// LastError returns the most recent recorded error message.
func (s *Session) LastError() string { return string(s.lastError) }

// LastErrno returns the system error captured by the last failed poll.
func (s *Session) LastErrno() error { return s.lastErrno }

// Logf delivers a log line when it passes the verbosity threshold. With
// no sink installed lines go to the global zap logger.
func (s *Session) Logf(v api.Verbose, format string, args ...any) {
	if v > s.verbose {
		return
	}
	line := fmt.Sprintf(format, args...)
	if s.logFn != nil {
		s.logFn(line, v)
		return
	}
	switch v {
	case api.VerboseFatal, api.VerboseError:
		zap.L().Error(line)
	case api.VerboseInfo:
		zap.L().Info(line)
	default:
		zap.L().Debug(line)
	}
}
