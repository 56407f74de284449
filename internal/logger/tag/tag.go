// Package tag provides typed slog attribute constructors so that log fields
// keep consistent keys across the codebase.
package tag

import "log/slog"

func Error(err error) slog.Attr {
	if err == nil {
		return slog.String("err", "")
	}
	return slog.String("err", err.Error())
}

func RunID(id string) slog.Attr { return slog.String("runId", id) }

func JobID(id string) slog.Attr { return slog.String("jobId", id) }

func WorkflowID(id string) slog.Attr { return slog.String("workflowId", id) }

func NodeID(id string) slog.Attr { return slog.String("nodeId", id) }

func StepID(id string) slog.Attr { return slog.String("stepId", id) }

func Tool(name string) slog.Attr { return slog.String("tool", name) }

func Status(s string) slog.Attr { return slog.String("status", s) }

func Topic(t string) slog.Attr { return slog.String("topic", t) }

func Dir(d string) slog.Attr { return slog.String("dir", d) }

func File(f string) slog.Attr { return slog.String("file", f) }

func Count(n int) slog.Attr { return slog.Int("count", n) }
