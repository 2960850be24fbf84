package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/nerrad567/knx-gateway/internal/auth"
	"github.com/nerrad567/knx-gateway/internal/infrastructure/config"
)

// issueToken prints a signed API token using the configured JWT secret.
func issueToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(out)
	role := fs.String("role", string(auth.RoleViewer), "token role: viewer, operator or admin")
	subject := fs.String("subject", "", "token subject (required)")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *subject == "" {
		return errors.New("-subject is required")
	}

	cfg, err := config.Load(config.Path())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	token, err := auth.GenerateAccessToken(*subject, auth.Role(*role), cfg.Security.JWT.Secret, cfg.Security.JWT.Issuer, *ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}
