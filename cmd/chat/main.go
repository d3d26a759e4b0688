package main

import (
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"eventchat/server/chat/app"
	commonlog "eventchat/server/common/log"
)

func main() {
	fx.New(
		fx.WithLogger(func() fxevent.Logger {
			return &fxevent.ZapLogger{Logger: commonlog.Logger().Named("fx").WithOptions(zap.IncreaseLevel(zap.WarnLevel))}
		}),
		app.Module(),
	).Run()
}
