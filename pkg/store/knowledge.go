package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatbridge/pkg/conversation"
	"chatbridge/pkg/service"
)

// KnowledgeEntry is one knowledge base row. An empty Agent applies to every agent.
type KnowledgeEntry struct {
	Agent     string `json:"agent"`
	Key       string `json:"key"`
	Examples  string `json:"examples"`
	Knowledge string `json:"knowledge"`
}

// SeedData is the document accepted by the seed command.
type SeedData struct {
	Knowledge     []KnowledgeEntry `json:"knowledge"`
	ModuleContext string           `json:"module_context"`
}

// Retrieve looks up knowledge for the routed key, preferring an agent-specific
// entry over a shared one. Missing keys report service.ErrNoContext.
func (s *Store) Retrieve(ctx context.Context, req service.RetrieveRequest) (service.Context, error) {
	key := strings.TrimSpace(req.KnowledgeKey)
	if key == "" {
		return service.Context{}, service.ErrNoContext
	}

	var examples, knowledge string
	err := s.db.QueryRowContext(ctx, `
		SELECT examples, knowledge
		FROM knowledge
		WHERE key = ? AND (agent = ? OR agent = '')
		ORDER BY agent DESC
		LIMIT 1
	`, key, strings.TrimSpace(req.Agent)).Scan(&examples, &knowledge)
	if errors.Is(err, sql.ErrNoRows) {
		s.log.Debug("no knowledge for key", "agent", req.Agent, "key", key)
		return service.Context{}, service.ErrNoContext
	}
	if err != nil {
		return service.Context{}, fmt.Errorf("query knowledge: %w", err)
	}

	if strings.TrimSpace(examples) == "" {
		examples = req.Examples
	}

	return service.Context{Examples: examples, Knowledge: knowledge}, nil
}

// PutKnowledge inserts or replaces a knowledge entry.
func (s *Store) PutKnowledge(ctx context.Context, entry KnowledgeEntry) error {
	return putKnowledge(ctx, s.db, entry)
}

// RecordActivity appends a reported user activity.
func (s *Store) RecordActivity(ctx context.Context, activity conversation.Activity) error {
	extra, err := encodeOptional(activity.Extra, len(activity.Extra) > 0)
	if err != nil {
		return fmt.Errorf("encode activity fields: %w", err)
	}

	var occurredAt any
	if !activity.Timestamp.IsZero() {
		occurredAt = activity.Timestamp.UTC().Format(time.RFC3339Nano)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_activity (type, name, context, extra, occurred_at, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		activity.Type,
		activity.Name,
		nullString(activity.Context),
		extra,
		occurredAt,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}

	return nil
}

// CountActivity returns how many activities of the given type were recorded.
func (s *Store) CountActivity(ctx context.Context, activityType string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM user_activity WHERE type = ?`, activityType).Scan(&count); err != nil {
		return 0, fmt.Errorf("count activity: %w", err)
	}

	return count, nil
}

// LatestModule returns the most recently stored module context, or "" when none exists.
func (s *Store) LatestModule(ctx context.Context) (string, error) {
	var content string
	err := s.db.QueryRowContext(ctx, `SELECT content FROM module_context ORDER BY seq DESC LIMIT 1`).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query module context: %w", err)
	}

	return content, nil
}

// SetModuleContext records new module context.
func (s *Store) SetModuleContext(ctx context.Context, content string) error {
	return setModuleContext(ctx, s.db, content)
}

// Seed loads knowledge entries and module context in one transaction.
func (s *Store) Seed(ctx context.Context, data SeedData) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin seed: %w", err)
	}
	defer tx.Rollback()

	for _, entry := range data.Knowledge {
		if err := putKnowledge(ctx, tx, entry); err != nil {
			return err
		}
	}
	if strings.TrimSpace(data.ModuleContext) != "" {
		if err := setModuleContext(ctx, tx, data.ModuleContext); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit seed: %w", err)
	}

	s.log.Info("seed applied", "knowledge_entries", len(data.Knowledge), "module_context", data.ModuleContext != "")
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func putKnowledge(ctx context.Context, db execer, entry KnowledgeEntry) error {
	key := strings.TrimSpace(entry.Key)
	if key == "" {
		return errors.New("knowledge entry requires a key")
	}

	_, err := db.ExecContext(ctx, `
		INSERT OR REPLACE INTO knowledge (agent, key, examples, knowledge, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`,
		strings.TrimSpace(entry.Agent),
		key,
		entry.Examples,
		entry.Knowledge,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert knowledge %q: %w", key, err)
	}

	return nil
}

func setModuleContext(ctx context.Context, db execer, content string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO module_context (content, updated_at) VALUES (?, ?)
	`, content, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert module context: %w", err)
	}

	return nil
}
