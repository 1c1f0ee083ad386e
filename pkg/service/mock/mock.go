// Package mock provides deterministic capability implementations for tests
// and for running the bridge without model credentials.
package mock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"chatbridge/pkg/conversation"
	"chatbridge/pkg/service"
)

// Router returns a fixed route, or Err when set.
type Router struct {
	Result service.Route
	Err    error
	// Gate, when non-nil, holds the call open until it is closed or ctx ends.
	Gate chan struct{}

	mu    sync.Mutex
	calls []service.RouteRequest
}

func (r *Router) Route(ctx context.Context, req service.RouteRequest) (service.Route, error) {
	r.mu.Lock()
	r.calls = append(r.calls, req)
	r.mu.Unlock()

	if err := wait(ctx, r.Gate); err != nil {
		return service.Route{}, err
	}
	if r.Err != nil {
		return service.Route{}, r.Err
	}

	return r.Result, nil
}

// Calls returns a copy of the recorded requests.
func (r *Router) Calls() []service.RouteRequest {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]service.RouteRequest(nil), r.calls...)
}

// Retriever returns fixed context, or Err when set.
type Retriever struct {
	Result service.Context
	Err    error
	Gate   chan struct{}

	mu    sync.Mutex
	calls []service.RetrieveRequest
}

func (r *Retriever) Retrieve(ctx context.Context, req service.RetrieveRequest) (service.Context, error) {
	r.mu.Lock()
	r.calls = append(r.calls, req)
	r.mu.Unlock()

	if err := wait(ctx, r.Gate); err != nil {
		return service.Context{}, err
	}
	if r.Err != nil {
		return service.Context{}, r.Err
	}

	return r.Result, nil
}

func (r *Retriever) Calls() []service.RetrieveRequest {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]service.RetrieveRequest(nil), r.calls...)
}

// Generator streams Chunks then returns Final. When Final is empty it echoes
// the latest user message.
type Generator struct {
	Chunks  []string
	Final   string
	Buttons []conversation.Button
	Err     error

	// ChunkGate, when non-nil, is waited on after the first chunk so tests can
	// interleave a new turn with a streaming generation.
	ChunkGate chan struct{}

	Profile    string
	ProfileErr error
	Name       string
	NameErr    error

	mu           sync.Mutex
	generateReqs []service.GenerateRequest
	profileReqs  []service.ProfileRequest
	nameReqs     []service.NameRequest
}

func (g *Generator) Generate(ctx context.Context, req service.GenerateRequest, onChunk service.ChunkFunc) (service.Reply, error) {
	g.mu.Lock()
	g.generateReqs = append(g.generateReqs, req)
	g.mu.Unlock()

	for i, chunk := range g.Chunks {
		if err := ctx.Err(); err != nil {
			return service.Reply{}, err
		}
		if onChunk != nil {
			onChunk(chunk)
		}
		if i == 0 {
			if err := wait(ctx, g.ChunkGate); err != nil {
				return service.Reply{}, err
			}
		}
	}

	if g.Err != nil {
		return service.Reply{}, g.Err
	}

	final := g.Final
	if final == "" {
		final = "echo: " + lastUserText(req.History)
	}

	return service.Reply{Text: final, Buttons: append([]conversation.Button(nil), g.Buttons...)}, nil
}

func (g *Generator) UpdateProfile(ctx context.Context, req service.ProfileRequest) (string, error) {
	g.mu.Lock()
	g.profileReqs = append(g.profileReqs, req)
	g.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if g.ProfileErr != nil {
		return "", g.ProfileErr
	}
	if g.Profile != "" {
		return g.Profile, nil
	}

	return fmt.Sprintf("%d messages exchanged", len(req.History)), nil
}

func (g *Generator) NameAgent(ctx context.Context, req service.NameRequest) (string, error) {
	g.mu.Lock()
	g.nameReqs = append(g.nameReqs, req)
	g.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if g.NameErr != nil {
		return "", g.NameErr
	}
	if g.Name != "" {
		return g.Name, nil
	}

	return "Tutor", nil
}

func (g *Generator) GenerateCalls() []service.GenerateRequest {
	g.mu.Lock()
	defer g.mu.Unlock()

	return append([]service.GenerateRequest(nil), g.generateReqs...)
}

func (g *Generator) ProfileCalls() []service.ProfileRequest {
	g.mu.Lock()
	defer g.mu.Unlock()

	return append([]service.ProfileRequest(nil), g.profileReqs...)
}

func (g *Generator) NameCalls() []service.NameRequest {
	g.mu.Lock()
	defer g.mu.Unlock()

	return append([]service.NameRequest(nil), g.nameReqs...)
}

// Authenticator fails the first Failures logins with Err, then succeeds.
type Authenticator struct {
	Failures int
	Err      error
	Token    string

	mu       sync.Mutex
	attempts int
}

func (a *Authenticator) Login(ctx context.Context) (service.Session, error) {
	a.mu.Lock()
	a.attempts++
	attempt := a.attempts
	a.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return service.Session{}, err
	}
	if attempt <= a.Failures {
		if a.Err != nil {
			return service.Session{}, a.Err
		}
		return service.Session{}, errors.New("login rejected")
	}

	token := a.Token
	if token == "" {
		token = fmt.Sprintf("mock-session-%d", attempt)
	}

	return service.Session{Token: token}, nil
}

// Attempts returns how many logins were tried.
func (a *Authenticator) Attempts() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.attempts
}

// NewSet returns an echoing capability set used when mock_services is enabled.
func NewSet() service.Set {
	return service.Set{
		Router:    &Router{Result: service.Route{Agent: "default"}},
		Retriever: &Retriever{Err: service.ErrNoContext},
		Generator: &Generator{},
	}
}

func wait(ctx context.Context, gate chan struct{}) error {
	if gate == nil {
		return ctx.Err()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-gate:
		return nil
	}
}

func lastUserText(history []conversation.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == conversation.RoleUser {
			return strings.TrimSpace(history[i].Text)
		}
	}

	return ""
}
