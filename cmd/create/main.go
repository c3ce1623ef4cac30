// This command is only used for local testing: it prints a token signed with
// the local server's secret, for use in the `jwt` header of API requests.
//
// With UTIL_USER_ID set, the token is a delegated token wrapping a locally
// signed identity authority token for that user.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/klpq/chat-auth-bridge/internal/token"
	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Secret          string        `env:"JWT_SECRET, required"`
	TTL             time.Duration `env:"UTIL_TTL, default=1h"`
	UserID          string        `env:"UTIL_USER_ID"`
	AuthoritySecret string        `env:"UTIL_AUTHORITY_SECRET, default=local-authority"`
}

func main() {
	cfg := Config{}
	err := envconfig.Process(context.Background(), &cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading config: %v\n", err)
		os.Exit(1)
	}

	tokens, err := token.New(cfg.Secret)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating token service: %v\n", err)
		os.Exit(1)
	}

	var signed string
	if cfg.UserID == "" {
		signed, err = tokens.Issue(token.Claims{"isLoggedIn": true}, cfg.TTL)
	} else {
		signed, err = delegated(tokens, cfg)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating JWT: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%s", signed)
}

func delegated(tokens *token.Service, cfg Config) (string, error) {
	authority, err := token.New(cfg.AuthoritySecret)
	if err != nil {
		return "", err
	}

	nested, err := authority.Issue(token.Claims{token.UserIDClaim: cfg.UserID}, cfg.TTL)
	if err != nil {
		return "", err
	}

	return tokens.IssueDelegated(cfg.UserID, nested, cfg.TTL)
}
