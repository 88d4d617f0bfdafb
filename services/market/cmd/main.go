// Market — сервис оплаты и выполнения заказов маркетплейса дизайн-услуг.
// Принимает заказы, создаёт сессии оплаты у провайдера, подтверждает оплату
// только проверенными webhook и гарантирует отправку письма с материалами.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"example.com/design-market/pkg/config"
	"example.com/design-market/pkg/logger"
)

// Version задаётся при сборке через -ldflags.
var Version = "dev"

var envFile string

func main() {
	rootCmd := &cobra.Command{
		Use:           "market",
		Short:         "Сервис оплаты и выполнения заказов",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "путь к .env файлу (по умолчанию ./.env, если есть)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(cleanupCmd())
	rootCmd.AddCommand(adminCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig загружает конфигурацию и инициализирует логгер.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if envFile != "" {
		cfg, err = config.LoadFromFile(envFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	logger.Init(logger.Config{
		Level:  cfg.App.LogLevel,
		Pretty: cfg.App.LogPretty,
	})
	return cfg, nil
}
