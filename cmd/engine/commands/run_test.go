package commands

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/aegis-exec/internal/tradingconfig"
	"github.com/wonny/aegis-exec/internal/worker"
)

func TestWorkerSymbols(t *testing.T) {
	manual := worker.NewManualStrategy()

	cfg := &tradingconfig.Config{Symbols: []tradingconfig.SymbolConfig{
		{Symbol: "BTCUSDT", Strategy: "manual", PollInterval: time.Second},
		{Symbol: "ETHUSDT", Strategy: "manual", PollInterval: 2 * time.Second},
	}}
	symbols, err := workerSymbols(cfg, manual)
	require.NoError(t, err)
	require.Len(t, symbols, 2)
	assert.Equal(t, "ETHUSDT", symbols[1].Symbol)
	assert.Equal(t, 2*time.Second, symbols[1].PollInterval)
	assert.Same(t, manual, symbols[0].Strategy)

	cfg.Symbols[1].Strategy = "momentum"
	_, err = workerSymbols(cfg, manual)
	assert.Error(t, err)
}
