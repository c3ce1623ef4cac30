// This command is only used for local testing: it opens a push connection,
// announces a request id and prints every event it receives. Start a sign-in
// in a browser with the same request id to watch the credential arrive.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/klpq/chat-auth-bridge/internal/push"
	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	SocketURL string `env:"UTIL_SOCKET_URL, default=ws://localhost:8080/socket"`
	LoginURL  string `env:"UTIL_LOGIN_URL, default=http://localhost:8080/auth/twitch"`
	RequestID string `env:"UTIL_REQUEST_ID"`
}

func main() {
	cfg := Config{}
	err := envconfig.Process(context.Background(), &cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading config: %v\n", err)
		os.Exit(1)
	}

	if cfg.RequestID == "" {
		cfg.RequestID = uuid.NewString()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := push.Dial(ctx, cfg.SocketURL, cfg.RequestID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error connecting: %v\n", err)
		os.Exit(1)
	}

	go func() {
		<-ctx.Done()
		_ = client.Close()
	}()

	fmt.Fprintf(os.Stderr, "listening as %s\nsign in at %s?requestId=%s\n", cfg.RequestID, cfg.LoginURL, cfg.RequestID)

	for {
		msg, err := client.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				fmt.Fprintf(os.Stderr, "connection closed: %v\n", err)
				os.Exit(1)
			}
			return
		}

		fmt.Printf("%s %s\n", msg.Event, msg.Data)
	}
}
