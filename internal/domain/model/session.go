package model

import "time"

// SessionRecord — состояние handshake-сессии.
// Ключ в store: session:{clientIdentity}:{sessionId}.
// Сырой секрет не хранится, только hex(KDF(secret, salt)).
type SessionRecord struct {
	Hash          string    `json:"hash"`
	Salt          string    `json:"salt"`
	UsageCount    int       `json:"usage_count"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	CreatedAt     time.Time `json:"created_at"`
}
