package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/odvcencio/cohort/pkg/bus"
)

// DefaultSubjectPrefix is used when Forward is given an empty prefix.
const DefaultSubjectPrefix = "cohort.run"

// Subject returns the bus subject an event is published on:
// <prefix>.<runID>.<type>. Events without a run id use "_".
func Subject(prefix string, ev Event) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	runID := ev.RunID
	if runID == "" {
		runID = "_"
	}
	return strings.Join([]string{prefix, runID, string(ev.Type)}, ".")
}

// Forward republishes every hub event as JSON on the bus until ctx is done
// or the returned stop func is called. Events whose payload cannot be
// encoded are skipped; a closed bus ends forwarding.
func Forward(ctx context.Context, hub *Hub, b bus.MessageBus, prefix string) func() {
	ctx, cancel := context.WithCancel(ctx)
	dispose := hub.SubscribeFunc(func(ev Event) {
		if ctx.Err() != nil {
			return
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		if err := b.Publish(ctx, Subject(prefix, ev), data); errors.Is(err, bus.ErrClosed) {
			cancel()
		}
	})

	go func() {
		<-ctx.Done()
		dispose()
	}()
	return cancel
}
