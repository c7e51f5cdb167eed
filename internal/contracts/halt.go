package contracts

import "time"

// HaltFlag is the single persisted row owned by the kill switch.
// ⭐ SSOT: 거래 중지 여부는 이 행에서만 판단 (프로세스 메모리 X)
type HaltFlag struct {
	Halted       bool       `json:"halted"`
	Reason       string     `json:"reason,omitempty"`
	Source       string     `json:"source,omitempty"` // operator, risk, api, cli
	ActivationID string     `json:"activation_id,omitempty"`
	ActivatedAt  *time.Time `json:"activated_at,omitempty"`
	ClearedAt    *time.Time `json:"cleared_at,omitempty"`
	ClearedBy    string     `json:"cleared_by,omitempty"`
}

// ConfigSnapshot is an audit entry of arbitrary configuration-like state
type ConfigSnapshot struct {
	ID        int64     `json:"id"`
	Key       string    `json:"key"`
	Hash      string    `json:"hash,omitempty"`
	Value     string    `json:"value"` // JSON
	CreatedAt time.Time `json:"created_at"`
}
