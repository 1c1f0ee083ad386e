package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatbridge/pkg/bridge"
	"chatbridge/pkg/conversation"
	"chatbridge/pkg/prompts"
	"chatbridge/pkg/service"
)

// turnInput is the state snapshot a turn works from. The goroutine never
// reads shared state directly.
type turnInput struct {
	seq     uint64
	message conversation.Message
	history []conversation.Message
	profile string
	module  string
	named   bool
}

// startTurnLocked supersedes the current turn and launches a new one for msg.
// When appendMsg is false msg is already the last history entry.
func (o *Orchestrator) startTurnLocked(ctx context.Context, msg conversation.Message, appendMsg bool) {
	o.cancelTurnLocked()
	o.seq++
	seq := o.seq

	turnCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.cancelTurn = cancel

	if appendMsg {
		o.state.History = append(o.state.History, msg)
		o.persist(ctx, msg)
		o.emitLocked(bridge.EventMessageReceived, msg.Payload())
	}
	o.state.Stage = conversation.StageRouting

	in := turnInput{
		seq:     seq,
		message: msg,
		history: conversation.CloneHistory(o.state.History),
		profile: o.state.Profile,
		module:  o.state.ModuleContext,
		named:   o.state.AgentName != "",
	}

	o.turns.Add(1)
	go o.runTurn(turnCtx, cancel, in)
}

func (o *Orchestrator) runTurn(ctx context.Context, cancel context.CancelFunc, in turnInput) {
	defer o.turns.Done()
	defer cancel()

	log := o.log.With("turn", in.seq)
	startedAt := time.Now()
	prior := in.history[:len(in.history)-1]

	route, err := o.services.Router.Route(ctx, service.RouteRequest{
		Message: in.message.Text,
		History: conversation.SerializeHistory(prior),
	})
	if err != nil {
		o.failTurn(in.seq, "route", err)
		return
	}
	agent := prompts.NormalizeAgent(route.Agent)
	log.Debug("Turn routed", "agent", agent, "knowledge_key", route.KnowledgeKey)

	if !o.advance(in.seq, conversation.StageRetrievingContext) {
		return
	}
	retrieved, err := o.services.Retriever.Retrieve(ctx, service.RetrieveRequest{
		Agent:        agent,
		Examples:     route.Examples,
		KnowledgeKey: route.KnowledgeKey,
		History:      in.history,
	})
	switch {
	case errors.Is(err, service.ErrNoContext):
		log.Debug("No context retrieved", "agent", agent, "knowledge_key", route.KnowledgeKey)
		retrieved = service.Context{}
	case err != nil:
		o.failTurn(in.seq, "retrieve context", err)
		return
	}

	instruction, err := prompts.Instruction(agent)
	if err != nil {
		o.failTurn(in.seq, "load instruction", err)
		return
	}

	if !o.advance(in.seq, conversation.StageGenerating) {
		return
	}
	reply, err := o.services.Generator.Generate(ctx, service.GenerateRequest{
		Instruction: instruction,
		Examples:    retrieved.Examples,
		Knowledge:   retrieved.Knowledge,
		Profile:     generationProfile(in.profile, in.module),
		History:     in.history,
	}, func(text string) {
		o.emitChunk(in.seq, text)
	})
	if err == nil && strings.TrimSpace(reply.Text) == "" {
		err = errors.New("empty reply")
	}
	if err != nil {
		o.failTurn(in.seq, "generate", err)
		return
	}

	bot := conversation.NewMessage(conversation.RoleBot, strings.TrimSpace(reply.Text))
	bot.Timestamp = o.now().UTC()
	bot.Buttons = reply.Buttons

	history, ok := o.commitReply(ctx, in.seq, bot)
	if !ok {
		return
	}

	profileInstruction, err := prompts.Profile()
	if err != nil {
		o.failTurn(in.seq, "load profile instruction", err)
		return
	}
	profile, err := o.services.Generator.UpdateProfile(ctx, service.ProfileRequest{
		Profile:     in.profile,
		History:     history,
		Instruction: profileInstruction,
	})
	if err != nil {
		o.failTurn(in.seq, "update profile", err)
		return
	}
	if !o.commitProfile(in.seq, profile) {
		return
	}

	log.Info("Turn completed",
		"agent", agent,
		"duration_ms", time.Since(startedAt).Milliseconds(),
		"reply_length", len(bot.Text),
		"buttons", len(bot.Buttons),
	)

	if !in.named {
		o.nameAgent(ctx, in.seq, history)
	}
}

// advance moves the current turn to stage. It reports false for a superseded turn.
func (o *Orchestrator) advance(seq uint64, stage conversation.Stage) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if seq != o.seq {
		return false
	}
	o.state.Stage = stage

	return true
}

// emitChunk forwards a streaming update while the turn is still current. It
// runs under the state lock so chunks precede the turn's final message.
func (o *Orchestrator) emitChunk(seq uint64, text string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if seq != o.seq {
		return
	}
	o.emitLocked(bridge.EventStreamChunk, map[string]any{"text": text})
}

func (o *Orchestrator) commitReply(ctx context.Context, seq uint64, bot conversation.Message) ([]conversation.Message, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if seq != o.seq {
		o.log.Debug("Discarded reply of superseded turn", "turn", seq)
		return nil, false
	}

	o.state.History = append(o.state.History, bot)
	o.persist(ctx, bot)
	o.emitLocked(bridge.EventMessageReceived, bot.Payload())
	o.state.Stage = conversation.StageUpdatingProfile

	return conversation.CloneHistory(o.state.History), true
}

func (o *Orchestrator) commitProfile(seq uint64, profile string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if seq != o.seq {
		return false
	}
	o.state.Profile = strings.TrimSpace(profile)
	o.state.Stage = conversation.StageIdle

	return true
}

// failTurn reports a capability failure and returns the conversation to Idle.
// Failures of superseded turns are dropped.
func (o *Orchestrator) failTurn(seq uint64, operation string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if seq != o.seq {
		o.log.Debug("Discarded failure of superseded turn", "turn", seq, "operation", operation, "error", err)
		return
	}

	o.log.Warn("Turn failed", "turn", seq, "operation", operation, "error", err)
	o.emitErrorLocked(fmt.Sprintf("%s failed: %v", operation, err))
	o.state.Stage = conversation.StageIdle
}

// nameAgent labels the companion after its first completed turn. Failures are only logged.
func (o *Orchestrator) nameAgent(ctx context.Context, seq uint64, history []conversation.Message) {
	instruction, err := prompts.Naming()
	if err != nil {
		o.log.Warn("Failed to load naming instruction", "error", err)
		return
	}

	name, err := o.services.Generator.NameAgent(ctx, service.NameRequest{History: history, Instruction: instruction})
	if err != nil {
		o.log.Warn("Failed to name agent", "turn", seq, "error", err)
		return
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if seq != o.seq || o.state.AgentName != "" {
		return
	}
	o.state.AgentName = name
	o.emitLocked(bridge.EventAgentNamed, map[string]any{"name": name})
	o.log.Info("Agent named", "name", name)
}

func generationProfile(profile string, module string) string {
	var parts []string
	if profile = strings.TrimSpace(profile); profile != "" {
		parts = append(parts, profile)
	}
	if module = strings.TrimSpace(module); module != "" {
		parts = append(parts, "Current module: "+module)
	}

	return strings.Join(parts, "\n")
}
