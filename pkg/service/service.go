// Package service defines the three external capabilities a conversation turn
// depends on: routing, context retrieval and generation. Implementations are
// selected by the composition root; none of them retry internally.
package service

import (
	"context"
	"errors"

	"chatbridge/pkg/conversation"
)

// ErrNoContext signals that retrieval succeeded but found nothing relevant.
// Callers continue the turn with empty examples and knowledge.
var ErrNoContext = errors.New("no context available")

// RouteRequest is the routing input for one user message.
type RouteRequest struct {
	Message string
	History string
}

// Route is the router's decision for a turn.
type Route struct {
	Agent        string `json:"agent" jsonschema:"required,description=Identifier of the agent that should answer"`
	Examples     string `json:"examples" jsonschema:"description=Few-shot examples that fit the message"`
	KnowledgeKey string `json:"knowledge_key" jsonschema:"description=Knowledge base key to retrieve context for"`
}

// RetrieveRequest asks for examples and knowledge for the selected agent.
type RetrieveRequest struct {
	Agent        string
	Examples     string
	KnowledgeKey string
	History      []conversation.Message
}

// Context is retrieved material injected into generation.
type Context struct {
	Examples  string
	Knowledge string
}

// GenerateRequest carries everything generation needs for one reply.
type GenerateRequest struct {
	Instruction string
	Examples    string
	Knowledge   string
	Profile     string
	History     []conversation.Message
}

// Reply is the terminal generation result.
type Reply struct {
	Text    string
	Buttons []conversation.Button
}

// ProfileRequest asks for an updated user profile after a turn.
type ProfileRequest struct {
	Profile     string
	History     []conversation.Message
	Instruction string
}

// NameRequest asks for a short display label for the conversation's agent.
type NameRequest struct {
	History     []conversation.Message
	Instruction string
}

// ChunkFunc receives the cumulative reply text produced so far.
type ChunkFunc func(text string)

type Router interface {
	Route(ctx context.Context, req RouteRequest) (Route, error)
}

type Retriever interface {
	Retrieve(ctx context.Context, req RetrieveRequest) (Context, error)
}

// Generator produces replies. onChunk is called zero or more times with
// non-decreasing cumulative text before Generate returns.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest, onChunk ChunkFunc) (Reply, error)
	UpdateProfile(ctx context.Context, req ProfileRequest) (string, error)
	NameAgent(ctx context.Context, req NameRequest) (string, error)
}

// Session is the result of a successful login. The token is never emitted to frontends.
type Session struct {
	Token string
}

// Authenticator establishes the backend session a conversation needs before it can start.
type Authenticator interface {
	Login(ctx context.Context) (Session, error)
}

// Set bundles one implementation of each capability.
type Set struct {
	Router    Router
	Retriever Retriever
	Generator Generator
}

// Validate reports the first missing capability.
func (s Set) Validate() error {
	switch {
	case s.Router == nil:
		return errors.New("router service is required")
	case s.Retriever == nil:
		return errors.New("retriever service is required")
	case s.Generator == nil:
		return errors.New("generator service is required")
	default:
		return nil
	}
}
