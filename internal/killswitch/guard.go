package killswitch

import (
	"context"
	"fmt"

	"github.com/wonny/aegis-exec/internal/contracts"
)

// FlagReader reads the durable halt flag
type FlagReader interface {
	GetHaltFlag(ctx context.Context) (*contracts.HaltFlag, error)
}

// Guard answers trade-permission checks from the ledger.
// There is no in-memory copy: a restarted process sees the same answer.
type Guard struct {
	flags FlagReader
}

// NewGuard creates a guard over the ledger
func NewGuard(flags FlagReader) *Guard {
	return &Guard{flags: flags}
}

// CanTrade reports false while halted. A read failure returns false with the error.
func (g *Guard) CanTrade(ctx context.Context) (bool, error) {
	flag, err := g.flags.GetHaltFlag(ctx)
	if err != nil {
		return false, fmt.Errorf("read halt flag: %w", err)
	}
	return !flag.Halted, nil
}
