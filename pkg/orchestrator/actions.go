package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"chatbridge/pkg/bridge"
	"chatbridge/pkg/conversation"
)

// ActionRegistrar is the handler side of the bridge.
type ActionRegistrar interface {
	On(actionType string, handler bridge.Handler) bridge.HandlerID
}

// Bind registers handlers for every frontend action. Rejected input is
// returned to the bridge and also reported to the frontend as error_occurred.
func (o *Orchestrator) Bind(registrar ActionRegistrar) []bridge.HandlerID {
	return []bridge.HandlerID{
		registrar.On(bridge.ActionSendMessage, func(ctx context.Context, payload bridge.Payload) error {
			return o.reportRejected(o.SubmitUserMessage(ctx, payload.String("message")))
		}),
		registrar.On(bridge.ActionClickButton, func(ctx context.Context, payload bridge.Payload) error {
			return o.reportRejected(o.SubmitButtonClick(ctx, payload.String("buttonId")))
		}),
		registrar.On(bridge.ActionUserActivity, func(ctx context.Context, payload bridge.Payload) error {
			activity, err := activityFromPayload(payload)
			if err != nil {
				return o.reportRejected(err)
			}
			return o.reportRejected(o.SubmitUserActivity(ctx, activity))
		}),
		registrar.On(bridge.ActionForceNewConversation, func(ctx context.Context, _ bridge.Payload) error {
			return o.reportRejected(o.ForceNewConversation(ctx))
		}),
		registrar.On(bridge.ActionGetConversationHistory, func(ctx context.Context, _ bridge.Payload) error {
			return o.RequestConversationHistory(ctx)
		}),
	}
}

func (o *Orchestrator) reportRejected(err error) error {
	if err == nil {
		return nil
	}
	if isInputError(err) {
		o.mu.Lock()
		o.emitErrorLocked(err.Error())
		o.mu.Unlock()
	}

	return err
}

func isInputError(err error) bool {
	return errors.Is(err, ErrEmptyMessage) ||
		errors.Is(err, ErrUnknownButton) ||
		errors.Is(err, ErrInvalidActivity) ||
		errors.Is(err, ErrSessionNotReady)
}

// activityFromPayload accepts activityData as a JSON string or as an embedded object.
func activityFromPayload(payload bridge.Payload) (conversation.Activity, error) {
	var raw string
	switch value := payload["activityData"].(type) {
	case string:
		raw = value
	case map[string]any:
		encoded, err := json.Marshal(value)
		if err != nil {
			return conversation.Activity{}, fmt.Errorf("%w: %v", ErrInvalidActivity, err)
		}
		raw = string(encoded)
	}

	activity, err := conversation.ParseActivity(raw)
	if err != nil {
		return conversation.Activity{}, fmt.Errorf("%w: %v", ErrInvalidActivity, err)
	}

	return activity, nil
}
