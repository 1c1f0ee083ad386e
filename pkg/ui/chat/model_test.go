package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"chatbridge/pkg/bridge"
	"chatbridge/pkg/conversation"

	tea "github.com/charmbracelet/bubbletea"
)

type recordingLink struct {
	mu      sync.Mutex
	actions []bridge.ActionMessage
}

func (l *recordingLink) Receive(_ context.Context, msg bridge.ActionMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.actions = append(l.actions, msg)
	return nil
}

func (l *recordingLink) Next(ctx context.Context) ([]byte, bool) {
	<-ctx.Done()
	return nil, false
}

func (l *recordingLink) Actions() []bridge.ActionMessage {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]bridge.ActionMessage(nil), l.actions...)
}

func event(t *testing.T, eventType string, data any) eventMsg {
	t.Helper()

	_, encoded, err := bridge.EncodeEvent(eventType, data, time.Now())
	if err != nil {
		t.Fatalf("EncodeEvent: %v", err)
	}
	return eventMsg{event: encoded}
}

// runCmd executes cmd and any batched children.
func runCmd(cmd tea.Cmd) {
	if cmd == nil {
		return
	}
	if batch, ok := cmd().(tea.BatchMsg); ok {
		for _, child := range batch {
			runCmd(child)
		}
	}
}

func readyModel(t *testing.T, link *recordingLink, history []map[string]any) *model {
	t.Helper()

	m := newModel(context.Background(), link, modeInteractive, "", RuntimeInfo{Provider: "mock"})
	m.booting = false
	if history == nil {
		history = []map[string]any{}
	}
	m.Update(event(t, bridge.EventChatInitialized, map[string]any{
		"conversationHistory": history,
		"expectNewMessage":    false,
	}))
	return m
}

func TestChatInitializedLoadsHistory(t *testing.T) {
	user := conversation.NewMessage(conversation.RoleUser, "Hi")
	bot := conversation.NewMessage(conversation.RoleBot, "Hello")
	bot.Buttons = []conversation.Button{{ID: "a", Label: "Alpha"}}

	m := readyModel(t, &recordingLink{}, []map[string]any{user.Payload(), bot.Payload()})

	if !m.connected {
		t.Fatal("expected model to be connected")
	}
	if len(m.messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(m.messages))
	}
	if got := m.activeButtons(); len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("active buttons = %+v, want alpha", got)
	}
	if m.isLoading {
		t.Fatal("expected idle model")
	}
}

func TestStreamingDraftIsReplacedByReply(t *testing.T) {
	m := readyModel(t, &recordingLink{}, nil)

	user := conversation.NewMessage(conversation.RoleUser, "Hi")
	m.Update(event(t, bridge.EventMessageReceived, user.Payload()))
	if !m.isLoading {
		t.Fatal("expected loading after user echo")
	}

	m.Update(event(t, bridge.EventStreamChunk, map[string]any{"text": "Hel"}))
	m.Update(event(t, bridge.EventStreamChunk, map[string]any{"text": "Hello"}))
	if m.draft != "Hello" {
		t.Fatalf("draft = %q, want Hello", m.draft)
	}

	bot := conversation.NewMessage(conversation.RoleBot, "Hello!")
	m.Update(event(t, bridge.EventMessageReceived, bot.Payload()))
	if m.draft != "" || m.isLoading {
		t.Fatalf("draft=%q loading=%v, want cleared", m.draft, m.isLoading)
	}
	if len(m.messages) != 2 || m.messages[1].content != "Hello!" {
		t.Fatalf("messages = %+v", m.messages)
	}

	m.Update(event(t, bridge.EventAgentNamed, map[string]any{"name": "Pip"}))
	if m.agentName != "Pip" {
		t.Fatalf("agent name = %q, want Pip", m.agentName)
	}
}

func TestErrorEventStopsLoading(t *testing.T) {
	m := readyModel(t, &recordingLink{}, nil)
	m.isLoading = true
	m.draft = "partial"

	m.Update(event(t, bridge.EventErrorOccurred, map[string]any{"error": "generate failed: boom", "timestamp": 1}))

	if m.isLoading || m.draft != "" {
		t.Fatal("expected error to clear loading state")
	}
	if m.lastErr != "generate failed: boom" {
		t.Fatalf("lastErr = %q", m.lastErr)
	}
	if last := m.messages[len(m.messages)-1]; last.role != roleError {
		t.Fatalf("last message role = %q, want error", last.role)
	}
}

func TestSubmitMapsInputToActions(t *testing.T) {
	link := &recordingLink{}
	bot := conversation.NewMessage(conversation.RoleBot, "Pick one")
	bot.Buttons = []conversation.Button{{ID: "x", Label: "First"}, {ID: "y", Label: "Second"}}
	m := readyModel(t, link, []map[string]any{bot.Payload()})

	inputs := []string{"2", "What is 7?", "9", "/history", "/new"}
	for _, input := range inputs {
		m.isLoading = false
		runCmd(m.submit(input))
	}

	actions := link.Actions()
	if len(actions) != len(inputs) {
		t.Fatalf("actions = %d, want %d", len(actions), len(inputs))
	}

	want := []struct {
		action string
		field  string
		value  string
	}{
		{action: bridge.ActionClickButton, field: "buttonId", value: "y"},
		{action: bridge.ActionSendMessage, field: "message", value: "What is 7?"},
		{action: bridge.ActionSendMessage, field: "message", value: "9"},
		{action: bridge.ActionGetConversationHistory},
		{action: bridge.ActionForceNewConversation},
	}
	for i, w := range want {
		if actions[i].Action != w.action {
			t.Fatalf("action[%d] = %q, want %q", i, actions[i].Action, w.action)
		}
		if w.field != "" && actions[i].Payload.String(w.field) != w.value {
			t.Fatalf("action[%d] %s = %q, want %q", i, w.field, actions[i].Payload.String(w.field), w.value)
		}
	}
	if len(m.messages) != 0 {
		t.Fatal("expected /new to clear the transcript")
	}
}

func TestSubmitIgnoresMessagesWhileLoading(t *testing.T) {
	link := &recordingLink{}
	m := readyModel(t, link, nil)
	m.isLoading = true

	if cmd := m.submit("hello"); cmd != nil {
		t.Fatal("expected no command while a turn is running")
	}
	if m.input.Value() != "hello" {
		t.Fatalf("input = %q, want it kept", m.input.Value())
	}
	if len(link.Actions()) != 0 {
		t.Fatal("expected no action to be sent")
	}
}

func TestOneShotSendsAfterInitializationAndQuits(t *testing.T) {
	link := &recordingLink{}
	m := newModel(context.Background(), link, modeOneShot, "  hi there ", RuntimeInfo{})

	_, cmd := m.Update(event(t, bridge.EventChatInitialized, map[string]any{
		"conversationHistory": []any{},
		"expectNewMessage":    false,
	}))
	if cmd == nil {
		t.Fatal("expected send command after initialization")
	}
	cmd()

	actions := link.Actions()
	if len(actions) != 1 || actions[0].Payload.String("message") != "hi there" {
		t.Fatalf("actions = %+v", actions)
	}

	bot := conversation.NewMessage(conversation.RoleBot, "Hello")
	_, cmd = m.Update(event(t, bridge.EventMessageReceived, bot.Payload()))
	if cmd == nil {
		t.Fatal("expected quit command after the reply")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatal("expected tea.QuitMsg")
	}
}
