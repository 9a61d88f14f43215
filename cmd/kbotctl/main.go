// Command kbotctl is an operational inspection CLI for a kbot deployment's
// durable stores: list and show sessions and conversations, and materialize
// a conversation's turns on demand.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kynetic-ai/kbot/internal/config"
	"github.com/kynetic-ai/kbot/internal/convstore"
	"github.com/kynetic-ai/kbot/internal/sessionstore"
	"github.com/kynetic-ai/kbot/internal/turns"
)

var dataDir string

func main() {
	root := &cobra.Command{
		Use:   "kbotctl",
		Short: "Inspect a kbot deployment's session and conversation stores",
	}
	root.PersistentFlags().StringVar(&dataDir, "data-dir", "./kbot-data", "directory holding the session/conversation stores")

	root.AddCommand(sessionsCmd(), conversationsCmd(), reconstructCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openSessionStore() (*sessionstore.Store, error) {
	cfg := config.Default()
	return sessionstore.New(dataDir, cfg.LockTimeout)
}

func openConvStore() (*convstore.Store, error) {
	cfg := config.Default()
	return convstore.New(dataDir, cfg.LockTimeout)
}

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "sessions", Short: "Inspect agent sessions"}

	var statusFilter string
	list := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openSessionStore()
			if err != nil {
				return err
			}
			sessions, err := store.ListSessions(sessionstore.Filter{Status: sessionstore.Status(statusFilter)})
			if err != nil {
				return err
			}
			for _, s := range sessions {
				fmt.Printf("%s\t%s\t%s\t%s\t%s\n", s.ID, s.SessionKey, s.AgentType, s.Status, s.StartedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	list.Flags().StringVar(&statusFilter, "status", "", "filter by status (active, completed, abandoned)")

	show := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show one session's metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openSessionStore()
			if err != nil {
				return err
			}
			session, err := store.GetSession(args[0])
			if err != nil {
				return err
			}
			return printJSON(session)
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}

func conversationsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "conversations", Short: "Inspect durable conversations"}

	show := &cobra.Command{
		Use:   "show <conversation-id>",
		Short: "Show one conversation's metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openConvStore()
			if err != nil {
				return err
			}
			conv, err := store.GetConversation(args[0])
			if err != nil {
				return err
			}
			return printJSON(conv)
		},
	}

	turnsCmd := &cobra.Command{
		Use:   "turns <conversation-id>",
		Short: "List a conversation's raw (pointer-only) turns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openConvStore()
			if err != nil {
				return err
			}
			turns, err := store.ReadTurns(args[0])
			if err != nil {
				return err
			}
			for _, t := range turns {
				fmt.Printf("%d\t%s\t%s\t[%d-%d]\n", t.Seq, t.Role, t.SessionID, t.EventRange.StartSeq, t.EventRange.EndSeq)
			}
			return nil
		},
	}

	cmd.AddCommand(show, turnsCmd)
	return cmd
}

func reconstructCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconstruct <conversation-id>",
		Short: "Materialize a conversation's content by replaying its turns' event ranges",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessions, err := openSessionStore()
			if err != nil {
				return err
			}
			conversations, err := openConvStore()
			if err != nil {
				return err
			}
			conversationTurns, err := conversations.ReadTurns(args[0])
			if err != nil {
				return err
			}

			reconstructor := turns.New(sessions, turns.DefaultOptions())
			for _, t := range conversationTurns {
				result, err := reconstructor.Reconstruct(t.SessionID, turns.Range{StartSeq: t.EventRange.StartSeq, EndSeq: t.EventRange.EndSeq})
				if err != nil {
					fmt.Fprintf(os.Stderr, "turn %d: %v\n", t.Seq, err)
					continue
				}
				fmt.Printf("--- turn %d (%s) ---\n%s\n", t.Seq, t.Role, result.Content)
			}
			return nil
		},
	}
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
