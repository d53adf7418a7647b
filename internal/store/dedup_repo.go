package store

import (
	"time"
)

// DedupRecord is one entry of the inbound deduplication ledger.
type DedupRecord struct {
	MessageID   string     `json:"message_id"`
	UserID      string     `json:"user_id"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// DedupRepo drops webhook redeliveries of the same platform message.
type DedupRepo interface {
	// IsDuplicate reports whether messageID has already been recorded.
	IsDuplicate(messageID string) (bool, error)

	// RecordInbound records a new inbound message. It returns false when the
	// message was already recorded.
	RecordInbound(messageID, userID string) (bool, error)

	// MarkProcessed stamps the time the pipeline finished with the message.
	MarkProcessed(messageID string) error

	// PurgeDedup removes records received before olderThan and returns how many were removed.
	PurgeDedup(olderThan time.Time) (int64, error)
}

// DefaultDedupRetention is how long inbound records are kept before purging.
const DefaultDedupRetention = 72 * time.Hour
