package main

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/ultrakipen/netcore"
)

var errNoCredentials = errors.New("credential refresh is not configured (set auth.refresh_url)")

func (c *cli) credentials() (*netcore.CredentialCoordinator, error) {
	creds := c.pipeline.Credentials()
	if creds == nil {
		return nil, errNoCredentials
	}
	return creds, nil
}

func newLoginCmd(c *cli) *cobra.Command {
	var (
		access    string
		refresh   string
		expiresIn time.Duration
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store an access and refresh token pair",
		Long: `Store credentials obtained from the login endpoint. Subsequent requests
carry the access token; a 401 triggers one shared refresh against
auth.refresh_url before the request is replayed.`,
		Args:    cobra.NoArgs,
		PreRunE: c.setup,
		RunE: func(cmd *cobra.Command, _ []string) error {
			creds, err := c.credentials()
			if err != nil {
				return err
			}
			cred := netcore.Credential{AccessToken: access, RefreshToken: refresh}
			if expiresIn > 0 {
				cred.ExpiresAt = time.Now().Add(expiresIn).UTC()
			}
			if err := creds.Login(cmd.Context(), cred); err != nil {
				return err
			}
			cmd.Println("credentials stored")
			return nil
		},
	}
	cmd.Flags().StringVar(&access, "access", "", "Access token")
	cmd.Flags().StringVar(&refresh, "refresh", "", "Refresh token")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "Access token lifetime")
	_ = cmd.MarkFlagRequired("access")
	return cmd
}

func newLogoutCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:     "logout",
		Short:   "Forget stored credentials",
		Args:    cobra.NoArgs,
		PreRunE: c.setup,
		RunE: func(cmd *cobra.Command, _ []string) error {
			creds, err := c.credentials()
			if err != nil {
				return err
			}
			if err := creds.Logout(cmd.Context()); err != nil {
				return err
			}
			cmd.Println("credentials cleared")
			return nil
		},
	}
}
