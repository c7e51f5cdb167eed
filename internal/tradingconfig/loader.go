package tradingconfig

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SnapshotKey is the ledger config-snapshot key of the trading config
const SnapshotKey = "trading_config"

// Load reads the YAML file and returns Config with raw bytes
// SSOT 핵심: KnownFields(true)로 오타/미사용 필드 즉시 실패
func Load(path string) (*Config, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := Parse(data)
	return cfg, data, err
}

// Parse decodes and validates YAML bytes
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true) // 알 수 없는 필드 발견 시 에러 반환
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Hash generates SHA256 hash from Config (canonical JSON)
// 주의: map 대신 struct 사용으로 해시 재현성 보장
func Hash(cfg *Config) (string, error) {
	jsonBytes, err := json.Marshal(cfg)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(jsonBytes)
	return hex.EncodeToString(sum[:]), nil
}

// NewSnapshot creates a snapshot for audit
func NewSnapshot(cfg *Config, yamlData []byte) (*Snapshot, error) {
	hash, err := Hash(cfg)
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		ConfigHash: hash,
		ConfigYAML: string(yamlData),
		ConfigID:   cfg.Meta.ConfigID,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// SnapshotWriter persists config snapshots; the ledger implements it
type SnapshotWriter interface {
	SaveConfigSnapshot(ctx context.Context, key, hash, value string) error
}

// Persist writes the config snapshot to the ledger and returns its hash
func Persist(ctx context.Context, w SnapshotWriter, cfg *Config, yamlData []byte) (string, error) {
	snap, err := NewSnapshot(cfg, yamlData)
	if err != nil {
		return "", err
	}
	value, err := json.Marshal(snap)
	if err != nil {
		return "", err
	}
	if err := w.SaveConfigSnapshot(ctx, SnapshotKey, snap.ConfigHash, string(value)); err != nil {
		return "", fmt.Errorf("persist trading config snapshot: %w", err)
	}
	return snap.ConfigHash, nil
}

func applyDefaults(cfg *Config) {
	for i := range cfg.Symbols {
		if cfg.Symbols[i].Strategy == "" {
			cfg.Symbols[i].Strategy = "manual"
		}
		if cfg.Symbols[i].PollInterval == 0 {
			cfg.Symbols[i].PollInterval = 5 * time.Second
		}
		if cfg.Symbols[i].Rounding == "" {
			cfg.Symbols[i].Rounding = "directional"
		}
	}
	setDuration(&cfg.Execution.CallTimeout, 10*time.Second)
	setDuration(&cfg.Execution.CloseBucket, time.Second)
	setDuration(&cfg.Reconcile.Interval, 30*time.Second)
	setDuration(&cfg.Reconcile.GracePeriod, 60*time.Second)
	setDuration(&cfg.Reconcile.CallTimeout, 10*time.Second)
	setDuration(&cfg.KillSwitch.StepTimeout, 15*time.Second)
	setDuration(&cfg.Transport.Timeout, 10*time.Second)
	setDuration(&cfg.Transport.BackoffMin, 200*time.Millisecond)
	setDuration(&cfg.Transport.BackoffMax, 5*time.Second)
	setDuration(&cfg.Transport.ClockSyncInterval, 10*time.Minute)
	setDuration(&cfg.Worker.BackoffMin, time.Second)
	setDuration(&cfg.Worker.BackoffMax, time.Minute)
	setDuration(&cfg.Worker.KeyBucket, time.Second)
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}
