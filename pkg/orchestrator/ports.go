package orchestrator

import (
	"context"

	"chatbridge/pkg/conversation"
)

// Emitter delivers events to the frontend. *bridge.Transport satisfies it.
type Emitter interface {
	Send(eventType string, data any) error
}

// HistoryStore persists conversation history across restarts.
type HistoryStore interface {
	Load(ctx context.Context) ([]conversation.Message, error)
	Append(ctx context.Context, msg conversation.Message) error
	Clear(ctx context.Context) error
}

// ModuleContextSource reports the module or microgame the learner was last in.
type ModuleContextSource interface {
	LatestModule(ctx context.Context) (string, error)
}

// ActivitySink records user activity reported by the host app.
type ActivitySink interface {
	RecordActivity(ctx context.Context, activity conversation.Activity) error
}

type memoryHistory struct{}

func (memoryHistory) Load(context.Context) ([]conversation.Message, error) { return nil, nil }
func (memoryHistory) Append(context.Context, conversation.Message) error  { return nil }
func (memoryHistory) Clear(context.Context) error                         { return nil }

type noModuleContext struct{}

func (noModuleContext) LatestModule(context.Context) (string, error) { return "", nil }

type discardActivity struct{}

func (discardActivity) RecordActivity(context.Context, conversation.Activity) error { return nil }
