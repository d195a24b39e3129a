package config

import (
	"reflect"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	// LogLevelChanged is hot-applied through the logger's level var.
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PipelineChanged covers the host format, window, overlap, poll interval
	// and filler threshold. Running pipelines pick up format and threshold via
	// Reconfigure; new streams use the whole new template.
	PipelineChanged bool

	// RestartRequired lists sections that cannot be applied without a restart.
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.PipelineChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	op, np := old.Pipeline, new.Pipeline
	if op.SampleRate != np.SampleRate || op.Channels != np.Channels ||
		op.WindowMs != np.WindowMs || op.OverlapMs != np.OverlapMs ||
		op.PollInterval != np.PollInterval || op.Threshold() != np.Threshold() {
		d.PipelineChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || old.Server.MCP != new.Server.MCP ||
		!reflect.DeepEqual(old.Server.TLS, new.Server.TLS) ||
		!reflect.DeepEqual(old.Server.AllowedOrigins, new.Server.AllowedOrigins) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.VAD != new.VAD {
		d.RestartRequired = append(d.RestartRequired, "vad")
	}
	if !reflect.DeepEqual(old.Transcriber, new.Transcriber) {
		d.RestartRequired = append(d.RestartRequired, "transcriber")
	}
	if old.Report != new.Report {
		d.RestartRequired = append(d.RestartRequired, "report")
	}
	return d
}
