// relayctl connects to the relay as one user and prints what arrives. It
// resolves relays the same way the client SDK does: static endpoints first,
// Consul when configured.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/fathima-sithara/realtime-relay/internal/callstate"
	"github.com/fathima-sithara/realtime-relay/internal/client"
	"github.com/fathima-sithara/realtime-relay/internal/config"
	"github.com/fathima-sithara/realtime-relay/internal/discovery"
	"github.com/fathima-sithara/realtime-relay/internal/domain"
	"github.com/fathima-sithara/realtime-relay/internal/logger"
	"github.com/fathima-sithara/realtime-relay/internal/protocol"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to an optional YAML config file")
	user := flag.String("user", "", "user id the token was issued for")
	token := flag.String("token", os.Getenv("RELAY_TOKEN"), "bearer token (or RELAY_TOKEN)")
	join := flag.String("join", "", "comma separated conversation ids to join")
	flag.Parse()

	if err := run(*cfgPath, *user, *token, *join); err != nil {
		fmt.Fprintf(os.Stderr, "relayctl: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath, user, token, join string) error {
	if !domain.ValidID(user) || token == "" {
		return fmt.Errorf("-user and -token are required")
	}
	cfg, err := config.LoadClient(cfgPath)
	if err != nil {
		return err
	}
	log, err := logger.New(logger.Config{Level: cfg.Log.Level, Development: true})
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	src, err := source(cfg, log)
	if err != nil {
		return err
	}

	c := client.New(user, token, src, client.Options{
		AttemptTimeout: cfg.AttemptTimeout,
		RingTimeout:    cfg.RingTimeout,
		Log:            log,
		Handlers: client.Handlers{
			Message: func(m domain.ExpandedMessage) {
				fmt.Printf("[%s] %s: %s\n", m.ConversationID, m.Sender.Username, m.Content)
			},
			Notification: func(n protocol.MessageNotification) {
				fmt.Printf("new message in %s\n", n.ConversationID)
			},
			Typing: func(t protocol.UserTyping) {
				fmt.Printf("%s typing=%t\n", t.UserID, t.IsTyping)
			},
			Error: func(p protocol.ErrorPayload) {
				fmt.Printf("error (%s): %s\n", p.Event, p.Message)
			},
			Call: func(t callstate.Transition) {
				fmt.Printf("call %s %s: %s -> %s %s\n", t.Direction, t.Peer, t.From, t.To, t.Reason)
			},
			Connected: func(ep string) { log.Info("connected", zap.String("endpoint", ep)) },
			Exhausted: func(err error) { fmt.Fprintf(os.Stderr, "no relay reachable: %v\n", err) },
		},
	})
	for _, id := range strings.Split(join, ",") {
		if id = strings.TrimSpace(id); id != "" {
			_ = c.Join(id)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go readCommands(ctx, c)
	if err := c.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func source(cfg *config.Config, log *zap.Logger) (discovery.Source, error) {
	if len(cfg.Discovery.StaticEndpoints) > 0 {
		return discovery.Static(cfg.Discovery.StaticEndpoints), nil
	}
	if cfg.Discovery.ConsulAddr != "" {
		return discovery.NewConsul(cfg.Discovery.ConsulAddr, cfg.Discovery.ServiceName, log)
	}
	return discovery.Static{fmt.Sprintf("ws://localhost:%d/v1/ws", cfg.App.Port)}, nil
}

// readCommands accepts "send <conversation> <text>", "call <user>",
// "answer <user>", "decline <user>" and "hangup <user>" on stdin.
func readCommands(ctx context.Context, c *client.Client) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		fields := strings.SplitN(strings.TrimSpace(sc.Text()), " ", 3)
		if len(fields) < 2 {
			continue
		}
		var err error
		switch fields[0] {
		case "send":
			if len(fields) == 3 {
				err = c.SendMessage(fields[1], fields[2])
			}
		case "join":
			err = c.Join(fields[1])
		case "call":
			err = c.Calls().Dial(ctx, fields[1], []byte(`{"type":"offer"}`))
		case "answer":
			err = c.Calls().Answer(ctx, fields[1], []byte(`{"type":"answer"}`))
		case "decline":
			err = c.Calls().Decline(ctx, fields[1])
		case "hangup":
			err = c.Calls().Hangup(ctx, fields[1])
		default:
			err = fmt.Errorf("unknown command %q", fields[0])
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	}
}
