package observability

import (
	"go.uber.org/zap"

	"github.com/zy643208/gearmand/pkg/api"
)

// LogFn adapts a zap logger to the session's log-sink hook. Lines arrive
// already formatted; only the verbosity needs translating.
func LogFn(l *zap.Logger) api.LogFn {
	return func(line string, verbose api.Verbose) {
		if ce := l.Check(ZapLevel(verbose), line); ce != nil {
			ce.Write()
		}
	}
}
