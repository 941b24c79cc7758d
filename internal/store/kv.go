package store

import (
	"context"
	"database/sql"
	"fmt"
)

// KVMigrations defines the schema for per-plugin key/value storage.
var KVMigrations = []Migration{
	{
		Version:     1,
		Description: "create plugin_kv table",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE plugin_kv (
					plugin     TEXT NOT NULL,
					key        TEXT NOT NULL,
					value      BLOB NOT NULL,
					updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
					PRIMARY KEY (plugin, key)
				)
			`)
			return err
		},
	},
}

// PluginKV is key/value storage scoped to one plugin. The host wraps it in a
// permission-checked handle before giving it to plugin code.
type PluginKV struct {
	db     *sql.DB
	plugin string
}

// NewPluginKV returns KV storage scoped to the named plugin.
func (s *Store) NewPluginKV(plugin string) *PluginKV {
	return &PluginKV{db: s.db, plugin: plugin}
}

// Get returns the value for key, with ok=false when absent.
func (kv *PluginKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := kv.db.QueryRowContext(ctx,
		"SELECT value FROM plugin_kv WHERE plugin = ? AND key = ?",
		kv.plugin, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kv get %s/%s: %w", kv.plugin, key, err)
	}
	return value, true, nil
}

// Put inserts or replaces the value for key.
func (kv *PluginKV) Put(ctx context.Context, key string, value []byte) error {
	_, err := kv.db.ExecContext(ctx, `
		INSERT INTO plugin_kv (plugin, key, value, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (plugin, key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP`,
		kv.plugin, key, value,
	)
	if err != nil {
		return fmt.Errorf("kv put %s/%s: %w", kv.plugin, key, err)
	}
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (kv *PluginKV) Delete(ctx context.Context, key string) error {
	_, err := kv.db.ExecContext(ctx,
		"DELETE FROM plugin_kv WHERE plugin = ? AND key = ?",
		kv.plugin, key,
	)
	if err != nil {
		return fmt.Errorf("kv delete %s/%s: %w", kv.plugin, key, err)
	}
	return nil
}

// Keys returns all keys with the given prefix, sorted.
func (kv *PluginKV) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := kv.db.QueryContext(ctx,
		"SELECT key FROM plugin_kv WHERE plugin = ? AND key LIKE ? || '%' ORDER BY key",
		kv.plugin, prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("kv keys %s: %w", kv.plugin, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("kv keys %s: %w", kv.plugin, err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// DeleteAll removes every key owned by the plugin. Used on unload.
func (kv *PluginKV) DeleteAll(ctx context.Context) error {
	_, err := kv.db.ExecContext(ctx,
		"DELETE FROM plugin_kv WHERE plugin = ?", kv.plugin,
	)
	if err != nil {
		return fmt.Errorf("kv delete all %s: %w", kv.plugin, err)
	}
	return nil
}
