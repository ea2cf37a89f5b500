package cli

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/eventific/internal/httpapi"
)

// TokenOptions holds flags for the token command.
type TokenOptions struct {
	*RootOptions
	Subject   string
	TTL       time.Duration
	JWTSecret string
}

// TokenResult is the output of the token command.
type TokenResult struct {
	Subject   string    `json:"subject"`
	ExpiresAt time.Time `json:"expires_at"`
	Token     string    `json:"token"`
}

// RenderText implements TextRenderer.
func (r TokenResult) RenderText(w io.Writer) error {
	_, err := fmt.Fprintln(w, r.Token)
	return err
}

// NewTokenCommand creates the token command.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TokenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the HTTP write routes",
		Long: `Sign an HS256 token with the configured http.jwt_secret.

Example:
  eventific token --config eventific.yaml --subject importer --ttl 1h
  curl -H "Authorization: Bearer $(eventific token --jwt-secret s3cret)" ...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Subject, "subject", "eventific-cli", "token subject")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", 24*time.Hour, "token lifetime")
	cmd.Flags().StringVar(&opts.JWTSecret, "jwt-secret", "", "signing secret (overrides http.jwt_secret)")

	return cmd
}

func runToken(opts *TokenOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	secret := cfg.HTTP.JWTSecret
	if opts.JWTSecret != "" {
		secret = opts.JWTSecret
	}
	if secret == "" {
		return WrapExitError(ExitCommandError, "cannot mint token", errors.New("no jwt secret configured"))
	}
	if opts.TTL <= 0 {
		return NewExitError(ExitCommandError, "ttl must be positive")
	}

	expiresAt := time.Now().Add(opts.TTL).UTC().Truncate(time.Second)
	token, err := httpapi.GenerateToken(secret, opts.Subject, opts.TTL)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to sign token", err)
	}

	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	return formatter.Success(TokenResult{Subject: opts.Subject, ExpiresAt: expiresAt, Token: token})
}
