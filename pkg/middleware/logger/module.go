package logger

import (
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func ProvideLoggerMiddleware() *Middleware { return NewMiddleware(nil) }
func ProvideLogger() *zap.Logger           { return NewLog("node.log") }

var Module = fx.Options(
	fx.Provide(ProvideLoggerMiddleware),
	fx.Provide(ProvideLogger),
)
