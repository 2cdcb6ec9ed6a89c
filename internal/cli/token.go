package cli

import (
	"errors"
	"fmt"

	"github.com/XavSPM/RevpiEpics/internal/auth"
	"github.com/XavSPM/RevpiEpics/internal/config"
	"github.com/spf13/cobra"
)

type tokenOptions struct {
	Subject string
	Role    string
}

func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &tokenOptions{}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API token signed with the configured secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(rootOpts, opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Subject, "subject", "s", "", "token subject (required)")
	cmd.Flags().StringVarP(&opts.Role, "role", "r", string(auth.RoleViewer), "viewer or operator")
	cmd.MarkFlagRequired("subject")

	return cmd
}

func runToken(rootOpts *RootOptions, opts *tokenOptions, cmd *cobra.Command) error {
	role := auth.Role(opts.Role)
	if role != auth.RoleViewer && role != auth.RoleOperator {
		return fmt.Errorf("invalid role %q", opts.Role)
	}

	cfg, err := config.Load(rootOpts.ConfigPath)
	if err != nil {
		return err
	}

	tokens := auth.NewTokenService(cfg.Auth.GetJWTSecret(), cfg.Auth.TokenTTL)
	if !tokens.Enabled() {
		return errors.New("no JWT secret configured, set " + cfg.Auth.JWTSecretEnv)
	}

	token, err := tokens.Issue(opts.Subject, role)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
