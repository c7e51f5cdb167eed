package tradingconfig

import "time"

// Config는 실행 엔진의 거래 설정 전체
type Config struct {
	Meta       Meta           `yaml:"meta" json:"meta"`
	Symbols    []SymbolConfig `yaml:"symbols" json:"symbols"`
	Execution  Execution      `yaml:"execution" json:"execution"`
	Reconcile  Reconcile      `yaml:"reconcile" json:"reconcile"`
	KillSwitch KillSwitch     `yaml:"kill_switch" json:"kill_switch"`
	Transport  Transport      `yaml:"transport" json:"transport"`
	Worker     Worker         `yaml:"worker" json:"worker"`
}

// Meta 메타 정보
type Meta struct {
	ConfigID string `yaml:"config_id" json:"config_id"`
	Version  string `yaml:"version" json:"version"`
}

// SymbolConfig 심볼별 워커 설정
type SymbolConfig struct {
	Symbol       string        `yaml:"symbol" json:"symbol"`
	Strategy     string        `yaml:"strategy" json:"strategy"`
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
	Rounding     string        `yaml:"rounding" json:"rounding"` // directional | nearest
}

// Execution 게이트웨이 설정
type Execution struct {
	CallTimeout time.Duration `yaml:"call_timeout" json:"call_timeout"`
	CloseBucket time.Duration `yaml:"close_bucket" json:"close_bucket"`
}

// Reconcile 정합성 복구 주기
type Reconcile struct {
	Interval    time.Duration `yaml:"interval" json:"interval"`
	GracePeriod time.Duration `yaml:"grace_period" json:"grace_period"`
	CallTimeout time.Duration `yaml:"call_timeout" json:"call_timeout"`
}

// KillSwitch 청산 설정
type KillSwitch struct {
	ClosePositions bool          `yaml:"close_positions" json:"close_positions"`
	StepTimeout    time.Duration `yaml:"step_timeout" json:"step_timeout"`
}

// Transport 거래소 호출 설정
type Transport struct {
	Timeout           time.Duration `yaml:"timeout" json:"timeout"`
	MaxRetries        int           `yaml:"max_retries" json:"max_retries"`
	BackoffMin        time.Duration `yaml:"backoff_min" json:"backoff_min"`
	BackoffMax        time.Duration `yaml:"backoff_max" json:"backoff_max"`
	RequestsPerSecond float64       `yaml:"requests_per_second" json:"requests_per_second"`
	Burst             int           `yaml:"burst" json:"burst"`
	OrdersPerSecond   float64       `yaml:"orders_per_second" json:"orders_per_second"` // 주문 생성/취소 전용 (0 = 추가 제한 없음)
	ClockSyncInterval time.Duration `yaml:"clock_sync_interval" json:"clock_sync_interval"`
}

// Worker 심볼 워커 백오프
type Worker struct {
	BackoffMin time.Duration `yaml:"backoff_min" json:"backoff_min"`
	BackoffMax time.Duration `yaml:"backoff_max" json:"backoff_max"`
	KeyBucket  time.Duration `yaml:"key_bucket" json:"key_bucket"`
}

// SymbolNames returns the tracked symbols in file order
func (c *Config) SymbolNames() []string {
	out := make([]string, 0, len(c.Symbols))
	for _, s := range c.Symbols {
		out = append(out, s.Symbol)
	}
	return out
}

// Snapshot 설정 감사 스냅샷 (재현성용)
type Snapshot struct {
	ConfigHash string    `json:"config_hash"`
	ConfigYAML string    `json:"config_yaml"`
	ConfigID   string    `json:"config_id"`
	CreatedAt  time.Time `json:"created_at"`
}
