package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// reconcileCmd runs one reconciliation pass
var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "정합성 복구 1회 실행",
	Long: `거래소 상태와 원장을 비교해 1회 복구합니다.
결과 리포트를 JSON으로 출력합니다.

Example:
  go run ./cmd/engine reconcile`,
	RunE: runReconcile,
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
}

func runReconcile(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.close()

	report, err := a.reconciler.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))

	if !report.Clean() {
		a.log.WithFields(map[string]interface{}{
			"corrections": len(report.Corrections),
			"errors":      len(report.Errors),
		}).Warn("Reconciliation found drift")
	}
	return nil
}
