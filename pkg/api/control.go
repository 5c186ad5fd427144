package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/odvcencio/cohort/pkg/batch"
	"github.com/odvcencio/cohort/pkg/bus"
	"github.com/odvcencio/cohort/pkg/telemetry"
)

// Runner is the run control surface shared by HTTP, websocket and bus
// clients. *batch.Orchestrator satisfies it.
type Runner interface {
	Pause() error
	Resume() error
	Cancel() error
	Reset()
	Status() batch.RunStatus
	Progress() batch.Progress
}

var errUnknownAction = errors.New("unknown run action")

// Control actions accepted by every transport.
const (
	ActionPause  = "pause"
	ActionResume = "resume"
	ActionCancel = "cancel"
	ActionReset  = "reset"
)

func control(r Runner, action string) error {
	switch strings.ToLower(strings.TrimSpace(action)) {
	case ActionPause:
		return r.Pause()
	case ActionResume:
		return r.Resume()
	case ActionCancel:
		return r.Cancel()
	case ActionReset:
		r.Reset()
		return nil
	default:
		return fmt.Errorf("%w: %q", errUnknownAction, action)
	}
}

// ControlReply answers a bus control request.
type ControlReply struct {
	OK       bool            `json:"ok"`
	Status   batch.RunStatus `json:"status"`
	Progress batch.Progress  `json:"progress"`
	Error    string          `json:"error,omitempty"`
}

// ControlSubject is the subject a control action is requested on.
func ControlSubject(prefix, action string) string {
	if prefix == "" {
		prefix = telemetry.DefaultSubjectPrefix
	}
	return prefix + ".control." + action
}

// ServeBusControl answers <prefix>.control.<action> requests until ctx is
// done. Replies are JSON ControlReply values.
func ServeBusControl(ctx context.Context, b bus.MessageBus, prefix string, r Runner) (bus.Subscription, error) {
	pattern := ControlSubject(prefix, "*")
	base := strings.TrimSuffix(pattern, "*")

	sub, err := b.Subscribe(ctx, pattern, func(msg *bus.Message) []byte {
		action := strings.TrimPrefix(msg.Subject, base)
		reply := ControlReply{OK: true}
		if err := control(r, action); err != nil {
			reply.OK = false
			reply.Error = err.Error()
		}
		reply.Status = r.Status()
		reply.Progress = r.Progress()
		data, err := json.Marshal(reply)
		if err != nil {
			return []byte(`{"ok":false,"error":"encode reply"}`)
		}
		return data
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", pattern, err)
	}

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return sub, nil
}
