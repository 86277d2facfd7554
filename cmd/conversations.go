package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/echochat/echochat/internal/llm"
	"github.com/echochat/echochat/internal/store"
	"github.com/spf13/cobra"
)

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"conv", "c"},
	Short:   "Manage conversations",
	Long: `Create, list, search and organise conversations. Conversation ids may
be shortened to any unique prefix.

Examples:
  echochat conversations new --kind gemini --title "trip plans"
  echochat conversations list --archived
  echochat conversations show 3f2a
  echochat conversations pin 3f2a
  echochat conversations search "kubernetes"`,
	RunE: runConversationsList,
}

var conversationsNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Start a conversation",
	RunE:  runConversationsNew,
}

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations",
	RunE:  runConversationsList,
}

var conversationsShowCmd = &cobra.Command{
	Use:   "show <conversation>",
	Short: "Show a conversation",
	Args:  cobra.ExactArgs(1),
	RunE:  runConversationsShow,
}

var conversationsRenameCmd = &cobra.Command{
	Use:   "rename <conversation> <title>",
	Short: "Rename a conversation",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runConversationsRename,
}

var conversationsPinCmd = &cobra.Command{
	Use:   "pin <conversation>",
	Short: "Pin a conversation to the top of the list",
	Args:  cobra.ExactArgs(1),
	RunE:  runConversationsPin,
}

var conversationsArchiveCmd = &cobra.Command{
	Use:   "archive <conversation>",
	Short: "Hide a conversation from the default list",
	Args:  cobra.ExactArgs(1),
	RunE:  runConversationsArchive,
}

var conversationsDeleteCmd = &cobra.Command{
	Use:   "delete <conversation>",
	Short: "Delete a conversation and its messages",
	Args:  cobra.ExactArgs(1),
	RunE:  runConversationsDelete,
}

var conversationsSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Full-text search over messages",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runConversationsSearch,
}

var conversationsPromptCmd = &cobra.Command{
	Use:   "prompt <conversation> [system prompt]",
	Short: "Show or set the system prompt",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runConversationsPrompt,
}

var conversationsAssignCmd = &cobra.Command{
	Use:   "assign <conversation> <account>",
	Short: "Move a conversation to another account",
	Args:  cobra.ExactArgs(2),
	RunE:  runConversationsAssign,
}

var (
	convAccount  string
	convKind     string
	convTitle    string
	convSystem   string
	convArchived bool
	convLimit    int
	convJSON     bool
	convUndo     bool
)

func init() {
	conversationsNewCmd.Flags().StringVar(&convAccount, "account", "", "Account id or label")
	conversationsNewCmd.Flags().StringVar(&convKind, "kind", "", "Use the default account of this provider")
	conversationsNewCmd.Flags().StringVar(&convTitle, "title", "", "Title (default: derived from the first message)")
	conversationsNewCmd.Flags().StringVar(&convSystem, "system", "", "System prompt")

	conversationsListCmd.Flags().BoolVar(&convArchived, "archived", false, "Include archived conversations")
	conversationsListCmd.Flags().IntVar(&convLimit, "limit", 20, "Maximum number of conversations to list")
	conversationsCmd.Flags().BoolVar(&convArchived, "archived", false, "Include archived conversations")
	conversationsCmd.Flags().IntVar(&convLimit, "limit", 20, "Maximum number of conversations to list")

	conversationsShowCmd.Flags().BoolVar(&convJSON, "json", false, "Output as JSON")
	conversationsPinCmd.Flags().BoolVar(&convUndo, "off", false, "Unpin instead")
	conversationsArchiveCmd.Flags().BoolVar(&convUndo, "off", false, "Restore instead")
	conversationsSearchCmd.Flags().IntVar(&convLimit, "limit", 20, "Maximum number of matches")

	conversationsCmd.AddCommand(conversationsNewCmd)
	conversationsCmd.AddCommand(conversationsListCmd)
	conversationsCmd.AddCommand(conversationsShowCmd)
	conversationsCmd.AddCommand(conversationsRenameCmd)
	conversationsCmd.AddCommand(conversationsPinCmd)
	conversationsCmd.AddCommand(conversationsArchiveCmd)
	conversationsCmd.AddCommand(conversationsDeleteCmd)
	conversationsCmd.AddCommand(conversationsSearchCmd)
	conversationsCmd.AddCommand(conversationsPromptCmd)
	conversationsCmd.AddCommand(conversationsAssignCmd)
	rootCmd.AddCommand(conversationsCmd)
}

// withStore opens the database for commands that never talk to a provider.
func withStore(fn func(ctx context.Context, st *store.SQLiteStore) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(context.Background(), st)
}

func runConversationsNew(cmd *cobra.Command, args []string) error {
	return withStore(func(ctx context.Context, st *store.SQLiteStore) error {
		acct, err := pickAccount(ctx, st, convAccount, convKind)
		if err != nil {
			return err
		}
		conv := &store.Conversation{AccountID: acct.ID, Title: convTitle, SystemPrompt: convSystem}
		if err := st.CreateConversation(ctx, conv); err != nil {
			return fmt.Errorf("failed to create conversation: %w", err)
		}
		fmt.Printf("%s\n", conv.ID)
		fmt.Fprintf(os.Stderr, "Started conversation %s with %s\n", store.ShortID(conv.ID), acct.DisplayName())
		return nil
	})
}

// pickAccount chooses by explicit reference, then by kind default, then the
// only account if exactly one exists.
func pickAccount(ctx context.Context, st *store.SQLiteStore, ref, kind string) (*store.Account, error) {
	if ref != "" {
		return resolveAccount(ctx, st, ref)
	}
	if kind != "" {
		k, ok := llm.ParseKind(kind)
		if !ok {
			return nil, llm.NewError(llm.UnknownProviderKind, fmt.Sprintf("%q", kind), nil)
		}
		acct, err := st.DefaultAccount(ctx, k)
		if err != nil {
			return nil, fmt.Errorf("no %s account: %w", k, err)
		}
		return acct, nil
	}
	all, err := st.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	switch len(all) {
	case 0:
		return nil, fmt.Errorf("no accounts; add one with: echochat accounts add <gemini|claude|local>")
	case 1:
		return &all[0], nil
	}
	return nil, fmt.Errorf("several accounts exist; choose one with --account or --kind")
}

func runConversationsList(cmd *cobra.Command, args []string) error {
	return withStore(func(ctx context.Context, st *store.SQLiteStore) error {
		list, err := st.ListConversations(ctx, store.ListOptions{Archived: convArchived, Limit: convLimit})
		if err != nil {
			return fmt.Errorf("failed to list conversations: %w", err)
		}
		if len(list) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}
		names := accountNames(ctx, st)

		fmt.Printf("  %-9s %-18s %-10s %5s  %s\n", "ID", "Account", "Updated", "Msgs", "Title")
		fmt.Println(strings.Repeat("-", 80))
		for _, c := range list {
			marker := " "
			switch {
			case c.Pinned:
				marker = "*"
			case c.Archived:
				marker = "~"
			}
			title := c.Title
			if title == "" {
				title = store.DefaultTitle
			}
			account := names[c.AccountID]
			if account == "" {
				account = "-"
			}
			fmt.Printf("%s %-9s %-18s %-10s %5d  %s\n", marker, store.ShortID(c.ID), truncate(account, 18),
				formatRelativeTime(c.UpdatedAt), c.MessageCount, truncate(title, 36))
		}
		return nil
	})
}

func accountNames(ctx context.Context, st *store.SQLiteStore) map[string]string {
	names := make(map[string]string)
	accts, err := st.ListAccounts(ctx)
	if err != nil {
		return names
	}
	for _, a := range accts {
		names[a.ID] = a.DisplayName()
	}
	return names
}

func runConversationsShow(cmd *cobra.Command, args []string) error {
	return withStore(func(ctx context.Context, st *store.SQLiteStore) error {
		id, err := st.ResolveConversationID(ctx, args[0])
		if err != nil {
			return err
		}
		conv, err := st.GetConversation(ctx, id)
		if err != nil {
			return err
		}
		messages, err := st.LoadConversation(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to load messages: %w", err)
		}

		if convJSON {
			data := struct {
				Conversation *store.Conversation `json:"conversation"`
				Messages     []store.Message     `json:"messages"`
			}{conv, messages}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(data)
		}

		title := conv.Title
		if title == "" {
			title = store.DefaultTitle
		}
		fmt.Printf("Conversation: %s\n", conv.ID)
		fmt.Printf("Title: %s\n", title)
		if name := accountNames(ctx, st)[conv.AccountID]; name != "" {
			fmt.Printf("Account: %s\n", name)
		}
		if conv.SystemPrompt != "" {
			fmt.Printf("System: %s\n", truncate(conv.SystemPrompt, 70))
		}
		fmt.Printf("Created: %s\n", conv.CreatedAt.Local().Format(time.RFC3339))
		fmt.Printf("Messages: %d\n\n", len(messages))

		for _, msg := range messages {
			label := "you"
			if msg.Role == llm.RoleAssistant {
				label = msg.Model
				if label == "" {
					label = "assistant"
				}
			}
			fmt.Printf("[%s] %s %s\n", store.ShortID(msg.ID), label, statusSuffix(msg))
			fmt.Printf("%s\n\n", msg.Content)
		}
		return nil
	})
}

func statusSuffix(msg store.Message) string {
	switch msg.Status {
	case store.StatusCancelled:
		return "(cancelled)"
	case store.StatusStreaming:
		return "(in progress)"
	case store.StatusFailed:
		if f := msg.Failure(); f != nil {
			return "(failed: " + f.Error() + ")"
		}
		return "(failed)"
	}
	if n := len(msg.Attachments); n > 0 {
		return fmt.Sprintf("(%d attachment(s))", n)
	}
	return ""
}

func runConversationsRename(cmd *cobra.Command, args []string) error {
	return withStore(func(ctx context.Context, st *store.SQLiteStore) error {
		id, err := st.ResolveConversationID(ctx, args[0])
		if err != nil {
			return err
		}
		title := strings.TrimSpace(strings.Join(args[1:], " "))
		if err := st.RenameConversation(ctx, id, title); err != nil {
			return err
		}
		fmt.Printf("Renamed %s to %q\n", store.ShortID(id), title)
		return nil
	})
}

func runConversationsPin(cmd *cobra.Command, args []string) error {
	return withStore(func(ctx context.Context, st *store.SQLiteStore) error {
		id, err := st.ResolveConversationID(ctx, args[0])
		if err != nil {
			return err
		}
		return st.SetPinned(ctx, id, !convUndo)
	})
}

func runConversationsArchive(cmd *cobra.Command, args []string) error {
	return withStore(func(ctx context.Context, st *store.SQLiteStore) error {
		id, err := st.ResolveConversationID(ctx, args[0])
		if err != nil {
			return err
		}
		return st.ArchiveConversation(ctx, id, !convUndo)
	})
}

func runConversationsDelete(cmd *cobra.Command, args []string) error {
	return withStore(func(ctx context.Context, st *store.SQLiteStore) error {
		id, err := st.ResolveConversationID(ctx, args[0])
		if err != nil {
			return err
		}
		if err := st.DeleteConversation(ctx, id); err != nil {
			return fmt.Errorf("failed to delete conversation: %w", err)
		}
		fmt.Printf("Deleted conversation: %s\n", store.ShortID(id))
		return nil
	})
}

func runConversationsSearch(cmd *cobra.Command, args []string) error {
	return withStore(func(ctx context.Context, st *store.SQLiteStore) error {
		query := strings.Join(args, " ")
		results, err := st.Search(ctx, query, convLimit)
		if err != nil {
			return fmt.Errorf("search failed: %w", err)
		}
		if len(results) == 0 {
			fmt.Printf("No results found for '%s'\n", query)
			return nil
		}

		fmt.Printf("Found %d matches for '%s':\n\n", len(results), query)
		for _, r := range results {
			title := r.Title
			if title == "" {
				title = store.DefaultTitle
			}
			fmt.Printf("%s  %s (%s)\n", store.ShortID(r.ConversationID), title, r.Role)
			fmt.Printf("  %s\n\n", r.Snippet)
		}
		return nil
	})
}

func runConversationsPrompt(cmd *cobra.Command, args []string) error {
	return withStore(func(ctx context.Context, st *store.SQLiteStore) error {
		id, err := st.ResolveConversationID(ctx, args[0])
		if err != nil {
			return err
		}
		if len(args) == 1 {
			conv, err := st.GetConversation(ctx, id)
			if err != nil {
				return err
			}
			if conv.SystemPrompt == "" {
				fmt.Println("(no system prompt)")
			} else {
				fmt.Println(conv.SystemPrompt)
			}
			return nil
		}
		return st.SetSystemPrompt(ctx, id, strings.Join(args[1:], " "))
	})
}

func runConversationsAssign(cmd *cobra.Command, args []string) error {
	return withStore(func(ctx context.Context, st *store.SQLiteStore) error {
		id, err := st.ResolveConversationID(ctx, args[0])
		if err != nil {
			return err
		}
		acct, err := resolveAccount(ctx, st, args[1])
		if err != nil {
			return err
		}
		if err := st.AssignAccount(ctx, id, acct.ID); err != nil {
			return err
		}
		fmt.Printf("%s now uses %s\n", store.ShortID(id), acct.DisplayName())
		return nil
	})
}
