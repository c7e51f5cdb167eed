package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wonny/aegis-exec/internal/killswitch"
)

// haltCmd activates the kill switch from the command line
var haltCmd = &cobra.Command{
	Use:   "halt",
	Short: "킬스위치 발동 (거래 중지 + 주문 취소 + 포지션 청산)",
	Long: `킬스위치를 발동합니다.

정지 플래그를 먼저 기록한 뒤, 대상 심볼의 미체결 주문을 취소하고
포지션을 청산합니다. 일부 단계가 실패해도 나머지는 계속 진행합니다.

Example:
  go run ./cmd/engine halt --reason "exchange incident"
  go run ./cmd/engine halt --reason "eth only" --scope ETHUSDT`,
	RunE: runHalt,
}

// resetCmd clears the halt flag
var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "킬스위치 해제",
	Long: `정지 플래그를 해제합니다. --confirm 과 --operator 가 필요합니다.

Example:
  go run ./cmd/engine reset --operator alice --confirm`,
	RunE: runReset,
}

// statusCmd prints the halt state
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "킬스위치 상태 조회",
	RunE:  runStatus,
}

var (
	haltReason    string
	haltScope     []string
	resetOperator string
	resetConfirm  bool
)

func init() {
	rootCmd.AddCommand(haltCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(statusCmd)

	haltCmd.Flags().StringVar(&haltReason, "reason", "", "발동 사유 (필수)")
	haltCmd.Flags().StringSliceVar(&haltScope, "scope", nil, "청산 대상 심볼 (기본: 설정 심볼 + 보유 포지션)")
	_ = haltCmd.MarkFlagRequired("reason")

	resetCmd.Flags().StringVar(&resetOperator, "operator", "", "해제 담당자")
	resetCmd.Flags().BoolVar(&resetConfirm, "confirm", false, "해제 확인")
}

func runHalt(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.close()

	scope := make([]string, 0, len(haltScope))
	for _, s := range haltScope {
		scope = append(scope, strings.ToUpper(strings.TrimSpace(s)))
	}

	report := a.killSwitch.Activate(ctx, killswitch.Trigger{
		Source: "cli",
		Reason: haltReason,
		Scope:  scope,
	})

	fmt.Println("=== Kill Switch Activated ===")
	fmt.Printf("Activation:       %s\n", report.ActivationID)
	fmt.Printf("Flag persisted:   %v\n", report.FlagPersisted)
	fmt.Printf("Symbols:          %s\n", strings.Join(report.Symbols, ", "))
	fmt.Printf("Orders cancelled: %d\n", report.OrdersCancelled)
	fmt.Printf("Positions closed: %d\n", report.PositionsClosed)
	if len(report.Errors) > 0 {
		fmt.Println("\n⚠️  Errors:")
		for _, e := range report.Errors {
			fmt.Printf("  %-10s %-8s %s: %s\n", e.Symbol, e.Step, e.Kind, e.Message)
		}
	}

	if !report.Complete() {
		return fmt.Errorf("kill switch activation incomplete (%d errors)", len(report.Errors))
	}
	fmt.Println("\n✅ Halt complete")
	return nil
}

func runReset(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.killSwitch.Reset(ctx, resetOperator, resetConfirm); err != nil {
		return err
	}
	fmt.Println("✅ Halt flag cleared")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.close()

	status, err := a.killSwitch.Status(ctx)
	if err != nil {
		return err
	}

	fmt.Println("=== Engine Status ===")
	if status.Halted {
		fmt.Println("Trading: ⛔ HALTED")
	} else {
		fmt.Println("Trading: ✅ ENABLED")
	}

	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
