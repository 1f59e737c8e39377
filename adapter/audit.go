// Package adapter connects a bufshare daemon to external systems: audit trail,
// liveness and readiness probes, and OpenTelemetry providers.
package adapter

import (
	"fmt"
	"sort"
	"strings"

	"github.com/srediag/bufshare/pkg/bufshare"
)

// AuditAdapter sends audit events to external loggers or compliance systems.
type AuditAdapter interface {
	LogEvent(event string, details map[string]interface{}) error
}

// LogAuditAdapter writes audit events as key=value lines through the bufshare logger.
type LogAuditAdapter struct {
	logger bufshare.Logger
}

var _ AuditAdapter = (*LogAuditAdapter)(nil)

// NewLogAuditAdapter returns an AuditAdapter writing to the "audit" logger.
func NewLogAuditAdapter() *LogAuditAdapter {
	return &LogAuditAdapter{logger: bufshare.NamedLogger("audit")}
}

// LogEvent logs event at info level with its details sorted by key.
func (a *LogAuditAdapter) LogEvent(event string, details map[string]interface{}) error {
	a.logger.Infof("%s", FormatEvent(event, details))
	return nil
}

// FormatEvent renders an audit event as "event k1=v1 k2=v2" with keys sorted.
func FormatEvent(event string, details map[string]interface{}) string {
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(event)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, details[k])
	}
	return b.String()
}
