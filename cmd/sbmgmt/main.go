package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"
	"unicode/utf8"

	servicebus "github.com/glimte/mmate-servicebus"
	"github.com/glimte/mmate-servicebus/operations"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	cfg := loadConfig()

	rootCmd := &cobra.Command{
		Use:   "sbmgmt",
		Short: "Run management operations against Service Bus entities",
		Long: `sbmgmt talks to an entity's management node: peek messages without
locking them, read and write session state, and renew locks.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, gitCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfg.connectionString, "connection-string", "c", cfg.connectionString, "Service Bus connection string or amqp:// broker URL")
	rootCmd.PersistentFlags().StringVarP(&cfg.entity, "entity", "e", cfg.entity, "Queue or subscription path")
	rootCmd.PersistentFlags().DurationVarP(&cfg.timeout, "timeout", "t", cfg.timeout, "Overall timeout per command")
	rootCmd.PersistentFlags().StringVar(&cfg.logLevel, "log-level", cfg.logLevel, "Log level: debug, info, warn, error")

	// Peek command
	var (
		sessionID string
		from      int64
		count     int32
	)
	peekCmd := &cobra.Command{
		Use:   "peek",
		Short: "Peek messages without locking them",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cfg, func(ctx context.Context, client *servicebus.Client) error {
				var (
					resp *operations.PeekMessageResponse
					err  error
				)
				if sessionID != "" {
					resp, err = client.PeekSessionMessages(ctx, cfg.entity, sessionID, from, count)
				} else {
					resp, err = client.PeekMessages(ctx, cfg.entity, from, count)
				}
				if err != nil {
					return fmt.Errorf("failed to peek: %w", err)
				}
				printPeeked(resp)
				return nil
			})
		},
	}
	peekCmd.Flags().StringVarP(&sessionID, "session", "s", "", "Peek only this session")
	peekCmd.Flags().Int64VarP(&from, "from", "f", 0, "Sequence number to start from")
	peekCmd.Flags().Int32VarP(&count, "count", "n", 10, "Maximum number of messages")

	// Session state commands
	sessionStateCmd := &cobra.Command{
		Use:   "session-state",
		Short: "Read or write session state",
	}

	sessionStateGetCmd := &cobra.Command{
		Use:   "get <session-id>",
		Short: "Print the state stored with a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cfg, func(ctx context.Context, client *servicebus.Client) error {
				state, err := client.GetSessionState(ctx, cfg.entity, args[0])
				if err != nil {
					return fmt.Errorf("failed to get session state: %w", err)
				}
				if state == nil {
					fmt.Println("(no state)")
					return nil
				}
				fmt.Println(string(state))
				return nil
			})
		},
	}

	var clearState bool
	sessionStateSetCmd := &cobra.Command{
		Use:   "set <session-id> [state]",
		Short: "Replace the state stored with a session",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var state []byte
			switch {
			case clearState:
			case len(args) == 2:
				state = []byte(args[1])
			default:
				return fmt.Errorf("state is required unless --clear is set")
			}
			return withClient(cfg, func(ctx context.Context, client *servicebus.Client) error {
				if err := client.SetSessionState(ctx, cfg.entity, args[0], state); err != nil {
					return fmt.Errorf("failed to set session state: %w", err)
				}
				fmt.Println("session state updated")
				return nil
			})
		},
	}
	sessionStateSetCmd.Flags().BoolVar(&clearState, "clear", false, "Remove the state instead of setting it")

	sessionStateCmd.AddCommand(sessionStateGetCmd, sessionStateSetCmd)

	// Lock commands
	renewSessionLockCmd := &cobra.Command{
		Use:   "renew-session-lock <session-id>",
		Short: "Renew the lock on a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cfg, func(ctx context.Context, client *servicebus.Client) error {
				expiry, err := client.RenewSessionLock(ctx, cfg.entity, args[0])
				if err != nil {
					return fmt.Errorf("failed to renew session lock: %w", err)
				}
				fmt.Printf("locked until %s\n", expiry.Format(time.RFC3339))
				return nil
			})
		},
	}

	renewLockCmd := &cobra.Command{
		Use:   "renew-lock <lock-token>...",
		Short: "Renew message locks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tokens := make([]uuid.UUID, 0, len(args))
			for _, arg := range args {
				token, err := uuid.Parse(arg)
				if err != nil {
					return fmt.Errorf("invalid lock token %q: %w", arg, err)
				}
				tokens = append(tokens, token)
			}
			return withClient(cfg, func(ctx context.Context, client *servicebus.Client) error {
				expirations, err := client.RenewLocks(ctx, cfg.entity, tokens)
				if err != nil {
					return fmt.Errorf("failed to renew locks: %w", err)
				}
				for i, expiry := range expirations {
					fmt.Printf("%s\t%s\n", tokens[i], expiry.Format(time.RFC3339))
				}
				return nil
			})
		},
	}

	rootCmd.AddCommand(peekCmd, sessionStateCmd, renewSessionLockCmd, renewLockCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// withClient connects, runs fn under the command timeout, and closes the client
func withClient(cfg *config, fn func(ctx context.Context, client *servicebus.Client) error) error {
	if err := cfg.validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()

	// Handle signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	client, err := servicebus.NewClient(ctx, cfg.connectionString, servicebus.WithLogger(cfg.logger()))
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer client.Close()

	return fn(ctx, client)
}

func printPeeked(resp *operations.PeekMessageResponse) {
	if len(resp.Messages) == 0 {
		fmt.Println("No messages")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQUENCE\tMESSAGE ID\tSIZE\tBODY")
	fmt.Fprintln(w, strings.Repeat("-", 8)+"\t"+strings.Repeat("-", 10)+"\t"+strings.Repeat("-", 4)+"\t"+strings.Repeat("-", 4))
	for _, m := range resp.Messages {
		var messageID any = "-"
		var body string
		if m.Message != nil {
			if m.Message.Properties != nil && m.Message.Properties.MessageID != nil {
				messageID = m.Message.Properties.MessageID
			}
			body = truncate(string(m.Message.GetData()), 60)
		}
		fmt.Fprintf(w, "%d\t%v\t%d\t%s\n", m.SequenceNumber, messageID, len(m.Raw), body)
	}
	w.Flush()
}

// truncate shortens s to at most n runes
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n-3]) + "..."
}
