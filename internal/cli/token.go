package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"concierge/internal/auth"
	"concierge/internal/rbac"
)

var (
	tokenRole string
	tokenTTL  time.Duration
	tokenPair bool
)

var tokenCmd = &cobra.Command{
	Use:   "token <subject>",
	Short: "Mint an access token",
	Long: `Mint an access token for a user or a service.

With --pair a user or admin gets an access token and a refresh token, printed one per
line. The refresh token is exchanged at POST /v1/auth/refresh. --ttl is ignored; the
lifetimes come from JWT_ACCESS_TTL and JWT_REFRESH_TTL.

Examples:
  conciergectl token kestra --role service --ttl 720h
  conciergectl token 3f0c1e2a-... --role user
  conciergectl token 3f0c1e2a-... --role user --pair`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		switch tokenRole {
		case rbac.RoleUser, rbac.RoleAdmin, rbac.RoleService:
		default:
			return fmt.Errorf("unknown role %q (want user, admin or service)", tokenRole)
		}
		m, err := auth.NewManager(cfg.Auth)
		if err != nil {
			return err
		}
		if tokenPair {
			if rbac.IsHiddenRole(tokenRole) {
				return fmt.Errorf("--pair is not available for the %s role", tokenRole)
			}
			pair, err := m.IssuePair(time.Now(), args[0], tokenRole)
			if err != nil {
				return fmt.Errorf("issue token pair: %w", err)
			}
			printf(cmd.OutOrStdout(), "%s\n%s\n", pair.AccessToken, pair.RefreshToken)
			return nil
		}
		tok, err := m.IssueAccess(time.Now(), args[0], tokenRole, tokenTTL)
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}
		printf(cmd.OutOrStdout(), "%s\n", tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenRole, "role", rbac.RoleService, "role claim (user, admin, service)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	tokenCmd.Flags().BoolVar(&tokenPair, "pair", false, "also mint a refresh token (user and admin only)")
}
