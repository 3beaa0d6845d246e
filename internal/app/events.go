package app

import (
	"fmt"

	"crosspost/internal/eventbus"
	logx "crosspost/pkg/logx"
)

// logPublishEvents is the diagnostics consumer of the publish bus: unit
// and post lifecycle events land in the log so operators can follow
// publish progress without polling the store. Returns when ch closes.
func logPublishEvents(ch <-chan eventbus.Event, log logx.Logger) {
	for e := range ch {
		fields := []logx.Field{
			logx.String("event", e.Type),
			logx.String("data", fmt.Sprint(e.Data)),
		}
		switch e.Type {
		case eventbus.TypeUnitFailed, eventbus.TypePostFailed:
			log.Warn("publish event", fields...)
		default:
			log.Info("publish event", fields...)
		}
	}
}
