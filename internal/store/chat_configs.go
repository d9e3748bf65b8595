package store

import (
	"context"
	"database/sql"
	"time"
)

// ChatConfigRecord is one chat's current configuration document. ConfigHash
// is the content hash of ConfigJSON and keys the derived routing snapshot.
type ChatConfigRecord struct {
	ChatID     string
	ConfigID   string
	ConfigJSON string
	ConfigHash string
	UpdatedAt  time.Time
}

// SetChatConfig upserts the configuration for a chat. One row per chat.
func (s *Store) SetChatConfig(ctx context.Context, chatID, configID, configJSON, configHash string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_configs (chat_id, config_id, config_json, config_hash, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (chat_id) DO UPDATE SET
		   config_id = EXCLUDED.config_id,
		   config_json = EXCLUDED.config_json,
		   config_hash = EXCLUDED.config_hash,
		   updated_at = EXCLUDED.updated_at`,
		chatID, configID, configJSON, configHash, time.Now().UTC(),
	)
	if err != nil {
		return wrapIO("set chat config "+chatID, err)
	}
	return nil
}

// GetChatConfig returns the chat's configuration, or nil when the chat has
// none.
func (s *Store) GetChatConfig(ctx context.Context, chatID string) (*ChatConfigRecord, error) {
	var r ChatConfigRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT chat_id, config_id, config_json, config_hash, updated_at
		 FROM chat_configs WHERE chat_id = $1`,
		chatID,
	).Scan(&r.ChatID, &r.ConfigID, &r.ConfigJSON, &r.ConfigHash, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapIO("get chat config "+chatID, err)
	}
	return &r, nil
}

// ListChatConfigs returns every chat's configuration row, ordered by chat id.
func (s *Store) ListChatConfigs(ctx context.Context) ([]ChatConfigRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, config_id, config_json, config_hash, updated_at
		 FROM chat_configs ORDER BY chat_id`)
	if err != nil {
		return nil, wrapIO("list chat configs", err)
	}
	defer rows.Close()

	var out []ChatConfigRecord
	for rows.Next() {
		var r ChatConfigRecord
		if err := rows.Scan(&r.ChatID, &r.ConfigID, &r.ConfigJSON, &r.ConfigHash, &r.UpdatedAt); err != nil {
			return nil, wrapIO("scan chat config", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
