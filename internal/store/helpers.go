package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/BTreeMap/PersonaPipe/internal/models"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanReceipts drains receipt rows.
func scanReceipts(rows *sql.Rows) ([]models.Receipt, error) {
	var receipts []models.Receipt
	for rows.Next() {
		var r models.Receipt
		if err := rows.Scan(&r.To, &r.Status, &r.Time); err != nil {
			return nil, fmt.Errorf("failed to scan receipt row: %w", err)
		}
		receipts = append(receipts, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate receipt rows: %w", err)
	}
	return receipts, nil
}

// scanProfile scans (user_id, attributes, first_seen_at, updated_at).
func scanProfile(row rowScanner) (*models.Profile, error) {
	var p models.Profile
	var attrs string
	if err := row.Scan(&p.UserID, &attrs, &p.FirstSeenAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Attributes = map[string]string{}
	if attrs != "" {
		if err := json.Unmarshal([]byte(attrs), &p.Attributes); err != nil {
			return nil, fmt.Errorf("failed to decode attributes for %s: %w", p.UserID, err)
		}
	}
	return &p, nil
}

// scanSessions decodes JSON session payload rows.
func scanSessions(rows *sql.Rows) ([]models.Session, error) {
	var out []models.Session
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sess, err := decodeSession([]byte(payload))
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session rows: %w", err)
	}
	return out, nil
}

// decodeSession unmarshals a checkpointed session and fills nil collections.
func decodeSession(payload []byte) (models.Session, error) {
	var sess models.Session
	if err := json.Unmarshal(payload, &sess); err != nil {
		return sess, fmt.Errorf("failed to decode session: %w", err)
	}
	if sess.History == nil {
		sess.History = []models.Turn{}
	}
	if sess.ProfileSnapshot == nil {
		sess.ProfileSnapshot = map[string]string{}
	}
	return sess, nil
}
