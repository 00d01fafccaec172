package objclass

import (
	"context"

	"github.com/felixgeelhaar/objclass/internal/ports"
)

// nopLogger discards everything. It is the registry default.
type nopLogger struct{}

func (nopLogger) Debug(context.Context, string, ...ports.Field) {}

func (nopLogger) Info(context.Context, string, ...ports.Field) {}

func (nopLogger) Warn(context.Context, string, ...ports.Field) {}

func (nopLogger) Error(context.Context, string, ...ports.Field) {}

func (l nopLogger) With(...ports.Field) ports.Logger { return l }

func (nopLogger) Level() ports.Level { return ports.LevelError }

func (nopLogger) SetLevel(ports.Level) {}
