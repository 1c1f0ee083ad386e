// Package orchestrator drives one conversation: session bootstrap, the
// route/retrieve/generate/profile turn pipeline, and conversation-scoped
// actions. It reaches the frontend only through an Emitter.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"chatbridge/pkg/bridge"
	"chatbridge/pkg/config"
	"chatbridge/pkg/conversation"
	"chatbridge/pkg/service"
)

var (
	ErrEmptyMessage    = errors.New("message is empty")
	ErrUnknownButton   = errors.New("button is not offered by the latest bot message")
	ErrInvalidActivity = errors.New("activity data is invalid")
	ErrSessionNotReady = errors.New("session is not ready")
)

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithRetryInterval sets the delay between failed login attempts.
func WithRetryInterval(interval time.Duration) Option {
	return func(o *Orchestrator) {
		if interval > 0 {
			o.retryInterval = interval
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) {
		if log != nil {
			o.log = log
		}
	}
}

func WithHistoryStore(store HistoryStore) Option {
	return func(o *Orchestrator) {
		if store != nil {
			o.history = store
		}
	}
}

func WithModuleContext(source ModuleContextSource) Option {
	return func(o *Orchestrator) {
		if source != nil {
			o.modules = source
		}
	}
}

func WithActivitySink(sink ActivitySink) Option {
	return func(o *Orchestrator) {
		if sink != nil {
			o.activity = sink
		}
	}
}

// Orchestrator owns the conversation state. All mutation happens under mu and
// every asynchronous commit is checked against the current turn sequence.
type Orchestrator struct {
	emitter       Emitter
	auth          service.Authenticator
	services      service.Set
	history       HistoryStore
	modules       ModuleContextSource
	activity      ActivitySink
	log           *slog.Logger
	now           func() time.Time
	retryInterval time.Duration

	bootstrapMu sync.Mutex
	ready       chan struct{}
	turns       sync.WaitGroup

	mu          sync.Mutex
	state       *conversation.State
	token       string
	seq         uint64
	cancelTurn  context.CancelFunc
	pendingMeta map[string]string
}

func New(emitter Emitter, auth service.Authenticator, services service.Set, opts ...Option) (*Orchestrator, error) {
	if emitter == nil {
		return nil, errors.New("emitter is required")
	}
	if auth == nil {
		return nil, errors.New("authenticator is required")
	}
	if err := services.Validate(); err != nil {
		return nil, err
	}

	o := &Orchestrator{
		emitter:       emitter,
		auth:          auth,
		services:      services,
		history:       memoryHistory{},
		modules:       noModuleContext{},
		activity:      discardActivity{},
		log:           slog.Default(),
		now:           time.Now,
		retryInterval: config.DefaultBootstrapRetrySeconds * time.Second,
		ready:         make(chan struct{}),
		state:         conversation.NewState(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.With("component", "orchestrator")

	return o, nil
}

// Bootstrap logs in, retrying on a fixed interval until it succeeds or ctx
// ends, then loads history and announces the conversation with exactly one
// chat_initialized event. Calls after a successful bootstrap return nil.
func (o *Orchestrator) Bootstrap(ctx context.Context) error {
	o.bootstrapMu.Lock()
	defer o.bootstrapMu.Unlock()

	if o.SessionReady() {
		return nil
	}

	session, err := o.login(ctx)
	if err != nil {
		return err
	}

	history, err := o.history.Load(ctx)
	if err != nil {
		o.log.Warn("Failed to load conversation history", "error", err)
		history = nil
	}
	module, err := o.modules.LatestModule(ctx)
	if err != nil {
		o.log.Warn("Failed to load module context", "error", err)
		module = ""
	}

	o.mu.Lock()
	o.token = session.Token
	o.state.History = history
	o.state.ModuleContext = module
	o.state.SessionReady = true
	o.state.Stage = conversation.StageIdle

	expectNewMessage := awaitingReply(history)
	o.emitLocked(bridge.EventChatInitialized, map[string]any{
		"conversationHistory": historyPayload(history),
		"expectNewMessage":    expectNewMessage,
	})
	if expectNewMessage {
		o.startTurnLocked(ctx, history[len(history)-1], false)
	}
	o.mu.Unlock()

	close(o.ready)
	o.log.Info("Conversation ready",
		"history_length", len(history),
		"module_context", module != "",
		"resumed_turn", expectNewMessage,
	)

	return nil
}

func (o *Orchestrator) login(ctx context.Context) (service.Session, error) {
	for attempt := 1; ; attempt++ {
		session, err := o.auth.Login(ctx)
		if err == nil {
			o.log.Debug("Login succeeded", "attempt", attempt)
			return session, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return service.Session{}, ctxErr
		}

		o.log.Warn("Login failed; retrying", "attempt", attempt, "retry_in", o.retryInterval.String(), "error", err)

		timer := time.NewTimer(o.retryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return service.Session{}, ctx.Err()
		case <-timer.C:
		}
	}
}

// SubmitUserMessage appends a user message and starts a new turn, cancelling
// any turn still in flight.
func (o *Orchestrator) SubmitUserMessage(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.state.SessionReady {
		return ErrSessionNotReady
	}

	o.startTurnLocked(ctx, o.newUserMessageLocked(text, ""), true)
	return nil
}

// SubmitButtonClick resolves a quick reply on the latest bot message and
// submits its label as the user's message.
func (o *Orchestrator) SubmitButtonClick(ctx context.Context, buttonID string) error {
	buttonID = strings.TrimSpace(buttonID)

	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.state.SessionReady {
		return ErrSessionNotReady
	}

	last, ok := conversation.LastBotMessage(o.state.History)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownButton, buttonID)
	}
	button, ok := last.FindButton(buttonID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownButton, buttonID)
	}

	o.startTurnLocked(ctx, o.newUserMessageLocked(button.Label, button.Label), true)
	return nil
}

// SubmitUserActivity records an activity. Its fields are attached to the next
// user message as userActivityMetadata.
func (o *Orchestrator) SubmitUserActivity(ctx context.Context, activity conversation.Activity) error {
	if err := activity.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidActivity, err)
	}

	o.mu.Lock()
	if o.pendingMeta == nil {
		o.pendingMeta = make(map[string]string)
	}
	for key, value := range activity.Metadata() {
		o.pendingMeta[key] = value
	}
	o.mu.Unlock()

	o.log.Info("User activity", "type", activity.Type, "name", activity.Name, "fields", len(activity.Extra))
	if err := o.activity.RecordActivity(ctx, activity); err != nil {
		o.log.Warn("Failed to record user activity", "type", activity.Type, "name", activity.Name, "error", err)
	}

	return nil
}

// ForceNewConversation cancels any in-flight turn and clears history and profile.
// Before bootstrap it returns ErrSessionNotReady and leaves persisted history alone.
func (o *Orchestrator) ForceNewConversation(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.state.SessionReady {
		return ErrSessionNotReady
	}

	o.cancelTurnLocked()
	o.seq++
	o.state.Reset()
	o.pendingMeta = nil

	if err := o.history.Clear(context.WithoutCancel(ctx)); err != nil {
		o.log.Warn("Failed to clear persisted history", "error", err)
	}
	o.log.Info("Started new conversation")

	return nil
}

// RequestConversationHistory emits the current history without changing state.
func (o *Orchestrator) RequestConversationHistory(ctx context.Context) error {
	_ = ctx

	o.mu.Lock()
	defer o.mu.Unlock()

	o.emitLocked(bridge.EventConversationHistory, map[string]any{
		"conversationHistory": historyPayload(o.state.History),
	})
	return nil
}

// Close cancels any in-flight turn and waits for turn goroutines to exit.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.cancelTurnLocked()
	o.seq++
	o.mu.Unlock()

	o.turns.Wait()
}

// Wait blocks until no turn goroutine is running.
func (o *Orchestrator) Wait() {
	o.turns.Wait()
}

// Ready is closed once bootstrap succeeds.
func (o *Orchestrator) Ready() <-chan struct{} {
	return o.ready
}

func (o *Orchestrator) Stage() conversation.Stage {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.state.Stage
}

// History returns a copy of the conversation history.
func (o *Orchestrator) History() []conversation.Message {
	o.mu.Lock()
	defer o.mu.Unlock()

	return conversation.CloneHistory(o.state.History)
}

func (o *Orchestrator) Profile() string {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.state.Profile
}

func (o *Orchestrator) SessionReady() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.state.SessionReady
}

func (o *Orchestrator) AgentName() string {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.state.AgentName
}

func (o *Orchestrator) newUserMessageLocked(text string, buttonName string) conversation.Message {
	msg := conversation.NewMessage(conversation.RoleUser, text)
	msg.Timestamp = o.now().UTC()
	msg.ButtonName = buttonName
	if len(o.pendingMeta) > 0 {
		msg.UserActivityMetadata = o.pendingMeta
		o.pendingMeta = nil
	}

	return msg
}

func (o *Orchestrator) cancelTurnLocked() {
	if o.cancelTurn != nil {
		o.cancelTurn()
		o.cancelTurn = nil
	}
}

func (o *Orchestrator) emitLocked(eventType string, data any) {
	if err := o.emitter.Send(eventType, data); err != nil {
		o.log.Warn("Failed to emit event", "event_type", eventType, "error", err)
	}
}

func (o *Orchestrator) emitErrorLocked(message string) {
	o.emitLocked(bridge.EventErrorOccurred, map[string]any{
		"error":     message,
		"timestamp": o.now().UnixMilli(),
	})
}

// persist stores a message. Persistence failures never abort a turn.
func (o *Orchestrator) persist(ctx context.Context, msg conversation.Message) {
	if err := o.history.Append(context.WithoutCancel(ctx), msg); err != nil {
		o.log.Warn("Failed to persist message", "message_id", msg.ID, "role", msg.Role, "error", err)
	}
}

// awaitingReply reports whether the conversation ended on an unanswered user message.
func awaitingReply(history []conversation.Message) bool {
	return len(history) > 0 && history[len(history)-1].Role == conversation.RoleUser
}

func historyPayload(history []conversation.Message) []map[string]any {
	payload := make([]map[string]any, 0, len(history))
	for _, msg := range history {
		payload = append(payload, msg.Payload())
	}

	return payload
}
