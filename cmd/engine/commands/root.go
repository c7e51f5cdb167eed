package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Global flags
	tradingConfigFile string
	verbose           bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "engine",
	Short: "Aegis Exec - 주문 실행 및 정합성 엔진",
	Long: `Aegis Exec CLI

거래소 주문 실행, 원장 기록, 정합성 복구, 킬스위치.

Usage:
  go run ./cmd/engine [command]

Examples:
  go run ./cmd/engine run
  go run ./cmd/engine halt --reason "manual stop"
  go run ./cmd/engine reset --operator alice --confirm
  go run ./cmd/engine status
  go run ./cmd/engine reconcile
  go run ./cmd/engine migrate`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&tradingConfigFile, "trading-config", "", "trading config YAML (default is $TRADING_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
