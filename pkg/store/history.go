package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"chatbridge/pkg/conversation"
)

// Load returns the persisted history in append order.
func (s *Store) Load(ctx context.Context) ([]conversation.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, text, buttons, button_name, metadata, created_at
		FROM messages
		ORDER BY seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var history []conversation.Message
	for rows.Next() {
		var (
			msg                       conversation.Message
			role, createdAt           string
			buttons, buttonName, meta sql.NullString
		)
		if err := rows.Scan(&msg.ID, &role, &msg.Text, &buttons, &buttonName, &meta, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}

		msg.Role = conversation.Role(role)
		msg.ButtonName = buttonName.String
		msg.Timestamp, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse message created_at: %w", err)
		}
		if buttons.Valid {
			if err := json.Unmarshal([]byte(buttons.String), &msg.Buttons); err != nil {
				return nil, fmt.Errorf("decode message buttons: %w", err)
			}
		}
		if meta.Valid {
			if err := json.Unmarshal([]byte(meta.String), &msg.UserActivityMetadata); err != nil {
				return nil, fmt.Errorf("decode message metadata: %w", err)
			}
		}

		history = append(history, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	return history, nil
}

// Append persists one message. Re-appending the same id is ignored.
func (s *Store) Append(ctx context.Context, msg conversation.Message) error {
	buttons, err := encodeOptional(msg.Buttons, len(msg.Buttons) > 0)
	if err != nil {
		return fmt.Errorf("encode message buttons: %w", err)
	}
	meta, err := encodeOptional(msg.UserActivityMetadata, len(msg.UserActivityMetadata) > 0)
	if err != nil {
		return fmt.Errorf("encode message metadata: %w", err)
	}

	timestamp := msg.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages (id, role, text, buttons, button_name, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		msg.ID,
		string(msg.Role),
		msg.Text,
		buttons,
		nullString(msg.ButtonName),
		meta,
		timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	s.log.Debug("saved message", "id", msg.ID, "role", msg.Role)
	return nil
}

// Clear deletes the persisted history.
func (s *Store) Clear(ctx context.Context) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM messages`)
	if err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}

	removed, _ := result.RowsAffected()
	s.log.Info("conversation history cleared", "removed", removed)
	return nil
}

func encodeOptional(value any, present bool) (any, error) {
	if !present {
		return nil, nil
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}

	return string(encoded), nil
}
