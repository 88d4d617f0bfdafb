package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"example.com/design-market/pkg/jwt"
)

func adminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Административные утилиты",
	}

	var (
		subject string
		ttl     time.Duration
	)
	token := &cobra.Command{
		Use:   "token",
		Short: "Выпустить токен оператора (роль admin)",
		RunE: func(c *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.JWT.PrivateKeyPath == "" {
				return errors.New("JWT_PRIVATE_KEY_PATH не задан")
			}
			if ttl <= 0 {
				ttl = cfg.JWT.AdminTokenTTL
			}

			m, err := jwt.NewManager(jwt.Config{
				PrivateKeyPath: cfg.JWT.PrivateKeyPath,
				PublicKeyPath:  cfg.JWT.PublicKeyPath,
				Issuer:         cfg.JWT.Issuer,
			})
			if err != nil {
				return err
			}

			signed, claims, err := m.Issue(subject, jwt.RoleAdmin, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.OutOrStdout(), signed)
			fmt.Fprintf(c.ErrOrStderr(), "jti=%s expires=%s\n", claims.ID, claims.ExpiresAt.Time.Format(time.RFC3339))
			return nil
		},
	}
	token.Flags().StringVar(&subject, "subject", "", "идентификатор оператора")
	token.Flags().DurationVar(&ttl, "ttl", 0, "срок действия (0 - JWT_ADMIN_TOKEN_TTL)")
	_ = token.MarkFlagRequired("subject")

	cmd.AddCommand(token)
	return cmd
}
