package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/echochat/echochat/internal/store"
	"github.com/spf13/cobra"
)

var exportCmd = &cobra.Command{
	Use:   "export <conversation> [path]",
	Short: "Export a conversation as markdown",
	Long: `Write a conversation as markdown. Without a path the file is named
after the conversation id; use "-" for stdout.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runExport,
}

var exportSystem bool

func init() {
	exportCmd.Flags().BoolVar(&exportSystem, "system", false, "Include the system prompt")
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	return withStore(func(ctx context.Context, st *store.SQLiteStore) error {
		id, err := st.ResolveConversationID(ctx, args[0])
		if err != nil {
			return err
		}
		md, err := exportConversation(ctx, st, id)
		if err != nil {
			return err
		}

		outputPath := fmt.Sprintf("conversation-%s.md", store.ShortID(id))
		if len(args) > 1 {
			outputPath = args[1]
		}
		if outputPath == "-" {
			_, err := fmt.Print(md)
			return err
		}
		if err := os.WriteFile(outputPath, []byte(md), 0644); err != nil {
			return fmt.Errorf("failed to write file: %w", err)
		}
		fmt.Printf("Exported to %s\n", outputPath)
		return nil
	})
}

func exportConversation(ctx context.Context, st *store.SQLiteStore, id string) (string, error) {
	conv, err := st.GetConversation(ctx, id)
	if err != nil {
		return "", err
	}
	var acct *store.Account
	if conv.AccountID != "" {
		acct, err = st.GetAccount(ctx, conv.AccountID)
		if err != nil && !errors.Is(err, store.ErrAccountNotFound) {
			return "", err
		}
	}
	messages, err := st.LoadConversation(ctx, id)
	if err != nil {
		return "", fmt.Errorf("failed to load messages: %w", err)
	}
	return store.ExportToMarkdown(conv, acct, messages, store.ExportOptions{IncludeSystem: exportSystem}), nil
}
