package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	relay "github.com/relayhq/relay-go"
)

var chatVerbose bool

func init() {
	chatCmd.Flags().BoolVarP(&chatVerbose, "verbose", "v", false, "enable debug logging")
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <contact-id>",
	Short: "Open an interactive conversation with a contact",
	Long: "Join the contact's room, load history, and start an interactive prompt.\n" +
		"Type a message and press enter to send; type /resend <temp-id> to retry\n" +
		"a failed send, or /quit to leave.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		contactID := args[0]
		log := newLogger(chatVerbose)

		conn, cfg, err := getConnection(log)
		if err != nil {
			return err
		}
		defer conn.Close()

		dedup, err := getDeduplicator(cfg, log)
		if err != nil {
			return err
		}
		ctx := context.Background()
		storage, err := getStorage(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}

		store := relay.NewConversationStore(contactID, dedup, storage, relay.WithStoreLogger(log))
		unsubscribe := store.Subscribe(printChange)
		defer unsubscribe()

		session := relay.NewRealtimeSession(conn, store,
			relay.WithWorkspace(cfg.Default.WorkspaceID),
			relay.WithSessionLogger(log),
		)
		pipeline := relay.NewSendPipeline(conn, storage, store,
			relay.WithSendWorkspace(cfg.Default.WorkspaceID),
			relay.WithSendLogger(log),
		)

		if err := store.LoadHistory(ctx); err != nil {
			log.Warn().Err(err).Msg("history unavailable, starting empty")
		}
		if err := session.Open(ctx, contactID); err != nil {
			return fmt.Errorf("failed to join conversation: %w", err)
		}
		defer session.Close()

		fmt.Printf("Connected to %s. Type /quit to leave.\n", contactID)
		scanner := bufio.NewScanner(os.Stdin)
		for {
			fmt.Print("> ")
			if !scanner.Scan() {
				break
			}
			line := strings.TrimSpace(scanner.Text())
			switch {
			case line == "":
				continue
			case line == "/quit":
				return nil
			case strings.HasPrefix(line, "/resend "):
				tempID := strings.TrimSpace(strings.TrimPrefix(line, "/resend "))
				if _, err := pipeline.Resend(ctx, tempID); err != nil {
					fmt.Printf("resend failed: %v\n", err)
				}
			default:
				sendCtx, cancel := context.WithTimeout(ctx, time.Minute)
				if _, err := pipeline.Send(sendCtx, contactID, line); err != nil {
					fmt.Printf("send failed: %v\n", err)
				}
				cancel()
			}
		}
		return scanner.Err()
	},
}

// printChange renders store mutations as chat lines.
func printChange(c relay.Change) {
	switch c.Kind {
	case relay.ChangeHistoryLoaded:
		fmt.Println("--- history loaded ---")
	case relay.ChangeInserted:
		if c.Message.Direction == relay.DirectionInbound {
			fmt.Printf("\n[%s] them: %s\n> ", c.Message.CreatedAt.Format("15:04:05"), c.Message.Body)
		}
	case relay.ChangeConfirmed:
		fmt.Printf("(sent: %s)\n", c.Message.ID)
	case relay.ChangeFailed:
		fmt.Printf("(FAILED %s: %s; /resend %s to retry)\n",
			c.Message.Body, c.Message.FailureReason, c.Message.TempID)
	}
}
