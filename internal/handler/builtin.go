package handler

import (
	"context"
	"log/slog"
)

// EchoAction implements "core.echo": it returns its params unchanged. Useful
// for wiring tests and for materializing interpolated values as a node output.
type EchoAction struct{}

func (a *EchoAction) Name() string { return "core.echo" }

func (a *EchoAction) Execute(ctx context.Context, params map[string]any) (map[string]any, error) {
	if params == nil {
		params = map[string]any{}
	}
	return params, nil
}

// LogAction implements "log.info": it writes its params to the structured log.
type LogAction struct {
	logger *slog.Logger
}

func NewLogAction(logger *slog.Logger) *LogAction {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogAction{logger: logger}
}

func (a *LogAction) Name() string { return "log.info" }

func (a *LogAction) Execute(ctx context.Context, params map[string]any) (map[string]any, error) {
	msg := stringParam(params, "message", "pipeline log")
	attrs := make([]any, 0, len(params)*2)
	for k, v := range params {
		if k == "message" {
			continue
		}
		attrs = append(attrs, k, v)
	}
	a.logger.InfoContext(ctx, msg, attrs...)
	return map[string]any{"logged": true}, nil
}

// RegisterBuiltins registers the built-in actions on a set.
func RegisterBuiltins(set *ActionSet, httpCfg HTTPConfig, logger *slog.Logger) error {
	actions := []Action{
		&EchoAction{},
		NewLogAction(logger),
		NewHTTPRequestAction(httpCfg),
		NewHTTPGetAction(httpCfg),
		NewHTTPPostAction(httpCfg),
	}
	for _, a := range actions {
		if err := set.Register(a); err != nil {
			return err
		}
	}
	return nil
}
