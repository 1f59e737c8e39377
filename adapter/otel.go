package adapter

import (
	"go.opentelemetry.io/otel"

	"github.com/srediag/bufshare/pkg/bufshare"
)

// InstrumentationName is the scope under which the daemon's spans and instruments are
// reported.
const InstrumentationName = "github.com/srediag/bufshare"

// Instrument points conf at the globally registered OpenTelemetry tracer and meter
// providers, leaving fields already set untouched.
func Instrument(conf *bufshare.Config) {
	if conf.Tracer == nil {
		conf.Tracer = otel.Tracer(InstrumentationName)
	}
	if conf.Meter == nil {
		conf.Meter = otel.Meter(InstrumentationName)
	}
}
