package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"example.com/design-market/services/market/internal/cleanup"
)

func cleanupCmd() *cobra.Command {
	var threshold time.Duration

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Очистка брошенных заказов и мёртвых платежей",
	}
	cmd.PersistentFlags().DurationVar(&threshold, "threshold", 0, "порог возраста записей (0 - из конфигурации)")

	preview := &cobra.Command{
		Use:   "preview",
		Short: "Показать кандидатов на удаление без изменений",
		RunE: func(c *cobra.Command, _ []string) error {
			return withCleanup(c.Context(), func(ctx context.Context, svc *cleanup.Service) error {
				p, err := svc.Preview(ctx, threshold)
				if err != nil {
					return err
				}
				return printJSON(c.OutOrStdout(), p)
			})
		},
	}

	var kind string
	run := &cobra.Command{
		Use:   "run",
		Short: "Удалить устаревшие записи",
		Example: `  market cleanup run
  market cleanup run --type orders --threshold 6h`,
		RunE: func(c *cobra.Command, _ []string) error {
			typ, err := cleanup.ParseType(kind)
			if err != nil {
				return err
			}
			return withCleanup(c.Context(), func(ctx context.Context, svc *cleanup.Service) error {
				report, err := svc.Run(ctx, cleanup.Options{Type: typ, Threshold: threshold})
				if err != nil {
					return err
				}
				if err := printJSON(c.OutOrStdout(), report); err != nil {
					return err
				}
				if len(report.Errors) > 0 {
					return fmt.Errorf("очистка завершена с ошибками: %d", len(report.Errors))
				}
				return nil
			})
		},
	}
	run.Flags().StringVar(&kind, "type", string(cleanup.TypeFull), "full | orders | payments")

	cmd.AddCommand(preview, run)
	return cmd
}

// withCleanup подключается только к MySQL: очистке Redis не нужен.
func withCleanup(ctx context.Context, fn func(context.Context, *cleanup.Service) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := connectMySQL(cfg)
	if err != nil {
		return err
	}
	defer closeDB(db)

	return fn(ctx, newCleanupService(cfg, db))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
