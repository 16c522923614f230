package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/aipo-project/aipo/pkg/gate"
	"github.com/aipo-project/aipo/pkg/memory"
	"github.com/aipo-project/aipo/pkg/paths"
	"github.com/aipo-project/aipo/pkg/report"
)

// withMemory loads config, opens the conversation store, runs fn, and closes
// the store.
func withMemory(ctx context.Context, fn func(context.Context, *memory.Store) error) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	layout := paths.Resolve(flagOutputDir)
	if err := layout.EnsureAll(); err != nil {
		return exitWith(gate.ExitUsage, err)
	}
	store, err := openMemory(ctx, cfg, layout)
	if err != nil {
		return exitWith(gate.ExitUsage, err)
	}
	defer func() { _ = store.Close() }()
	return fn(ctx, store)
}

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and maintain persisted conversations",
	}
	cmd.AddCommand(
		newSessionsListCmd(),
		newSessionsShowCmd(),
		newSessionsExportCmd(),
		newSessionsDeleteCmd(),
		newSessionsPruneCmd(),
	)
	return cmd
}

func newSessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored conversations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMemory(cmd.Context(), func(ctx context.Context, store *memory.Store) error {
				conversations, err := store.ListAll(ctx)
				if err != nil {
					return err
				}
				if len(conversations) == 0 {
					fmt.Println("no conversations stored")
					return nil
				}
				for _, conv := range conversations {
					branch := ""
					if conv.RootOf != "" {
						branch = " (branch of " + conv.RootOf + ")"
					}
					fmt.Printf("%s  %s  %d turns%s\n",
						conv.ID, conv.CreatedAt.UTC().Format(time.RFC3339), conv.TurnCount, branch)
				}
				return nil
			})
		},
	}
}

func newSessionsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <conversation-id>",
		Short: "Print a conversation transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMemory(cmd.Context(), func(ctx context.Context, store *memory.Store) error {
				return printConversation(ctx, store, args[0], "text")
			})
		},
	}
}

func newSessionsExportCmd() *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "export <conversation-id>",
		Short: "Export a conversation as transcript JSONL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMemory(cmd.Context(), func(ctx context.Context, store *memory.Store) error {
				turns, err := store.List(ctx, args[0])
				if err != nil {
					return err
				}
				dir := outDir
				if dir == "" {
					dir = paths.Resolve(flagOutputDir).Transcripts
				}
				path, err := report.WriteTranscript(dir, args[0], turns)
				if err != nil {
					return err
				}
				fmt.Println(path)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&outDir, "dir", "", "output directory (default: transcripts dir)")
	return cmd
}

func newSessionsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <conversation-id>",
		Short: "Delete a conversation and its turns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMemory(cmd.Context(), func(ctx context.Context, store *memory.Store) error {
				if err := store.Delete(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
}

func newSessionsPruneCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete conversations older than a retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMemory(cmd.Context(), func(ctx context.Context, store *memory.Store) error {
				cutoff := time.Now().UTC().Add(-olderThan)
				n, err := store.Prune(ctx, cutoff)
				if err != nil {
					return err
				}
				fmt.Printf("pruned %d conversations older than %s\n", n, olderThan)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "retention window")
	return cmd
}

func newListConversationsCmd() *cobra.Command {
	cmd := newSessionsListCmd()
	cmd.Use = "list-conversations"
	cmd.Short = "List stored conversations (alias for sessions list)"
	return cmd
}

func newReplayConversationCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "replay-conversation <conversation-id>",
		Short: "Replay a persisted conversation turn by turn",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch format {
			case "text", "json", "interactive":
			default:
				return exitWith(gate.ExitUsage, fmt.Errorf("unknown format %q (want text, json, or interactive)", format))
			}
			return withMemory(cmd.Context(), func(ctx context.Context, store *memory.Store) error {
				return printConversation(ctx, store, args[0], format)
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", "text", "output format: text|json|interactive")
	return cmd
}

func printConversation(ctx context.Context, store *memory.Store, id, format string) error {
	turns, err := store.List(ctx, id)
	if err != nil {
		return err
	}
	if format == "json" {
		enc := json.NewEncoder(os.Stdout)
		for _, turn := range turns {
			if err := enc.Encode(turn); err != nil {
				return err
			}
		}
		return nil
	}
	// Interactive mode pauses for Enter between turns so long conversations
	// can be stepped through.
	stdin := bufio.NewReader(os.Stdin)
	for _, turn := range turns {
		fmt.Printf("[%d] %-9s %s\n", turn.TurnIndex, turn.Role, turn.Content)
		if format == "interactive" && turn.TurnIndex < len(turns)-1 {
			if _, err := stdin.ReadString('\n'); err != nil {
				return nil
			}
		}
	}
	return nil
}
