package repo

import (
	"context"
	"time"

	"github.com/KayMas2808/RuralLend/internal/domain"
)

const prefTrustedNetworkOnly = "trusted_network_only"

// GetPreferences returns defaults for keys that were never written.
func (r Repo) GetPreferences(ctx context.Context) (domain.Preferences, error) {
	var p domain.Preferences
	rows, err := r.DB.QueryContext(ctx, `SELECT key,value,updated_at FROM preferences`)
	if err != nil {
		return p, err
	}
	defer rows.Close()
	for rows.Next() {
		var key, value, updated string
		if err := rows.Scan(&key, &value, &updated); err != nil {
			return p, err
		}
		switch key {
		case prefTrustedNetworkOnly:
			p.TrustedNetworkOnly = value == "true"
			p.UpdatedAt = updated
		}
	}
	return p, rows.Err()
}

func (r Repo) SetTrustedNetworkOnly(ctx context.Context, on bool, now time.Time) error {
	value := "false"
	if on {
		value = "true"
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO preferences(key,value,updated_at) VALUES (?,?,?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		prefTrustedNetworkOnly, value, now.UTC().Format(time.RFC3339))
	return err
}
