package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wonny/aegis-exec/internal/ledger"
	"github.com/wonny/aegis-exec/pkg/config"
	"github.com/wonny/aegis-exec/pkg/logger"
)

// migrateCmd creates or upgrades the ledger schema
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "원장 스키마 생성/갱신",
	Long: `원장 테이블을 생성합니다 (멱등).

Example:
  LEDGER_DRIVER=postgres go run ./cmd/engine migrate`,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.New(cfg)

	store, err := ledger.Open(cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	fmt.Printf("✅ Ledger migrated (%s)\n", cfg.Ledger.Driver)
	return nil
}
