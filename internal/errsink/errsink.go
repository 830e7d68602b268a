// Package errsink reports operational failures that are absorbed rather than
// returned: failed posts, failed token exchanges, and follower fetches that
// degrade to partial results.
package errsink

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// Reporter receives absorbed errors.
type Reporter interface {
	HandleError(ctx context.Context, message, detail string, fields map[string]string)
}

// LogReporter writes reports to zap. It is the default Reporter.
type LogReporter struct {
	logger *zap.Logger
}

// NewLogReporter creates a LogReporter.
func NewLogReporter(logger *zap.Logger) *LogReporter {
	return &LogReporter{logger: logger}
}

// HandleError logs the report at error level.
func (r *LogReporter) HandleError(_ context.Context, message, detail string, fields map[string]string) {
	zf := []zap.Field{zap.String("detail", detail)}
	for _, k := range sortedKeys(fields) {
		zf = append(zf, zap.String(k, fields[k]))
	}
	r.logger.Error(message, zf...)
}

// Multi fans a report out to several reporters.
type Multi []Reporter

// HandleError forwards to every reporter in order.
func (m Multi) HandleError(ctx context.Context, message, detail string, fields map[string]string) {
	for _, r := range m {
		r.HandleError(ctx, message, detail, fields)
	}
}

// format renders a report as a plain-text body.
func format(message, detail string, fields map[string]string) string {
	var b strings.Builder
	b.WriteString(message)
	b.WriteString("\n\n")
	if detail != "" {
		b.WriteString(detail)
		b.WriteString("\n\n")
	}
	for _, k := range sortedKeys(fields) {
		fmt.Fprintf(&b, "%s: %s\n", k, fields[k])
	}
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
