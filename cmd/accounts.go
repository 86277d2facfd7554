package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/echochat/echochat/internal/accounts"
	"github.com/echochat/echochat/internal/exitcode"
	"github.com/echochat/echochat/internal/llm"
	"github.com/echochat/echochat/internal/store"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage provider accounts",
	Long: `Add, list and remove provider accounts. API keys go to the secret
store (the OS keyring by default) and never into the database.

Examples:
  echochat accounts add gemini --label personal
  echochat accounts add claude --api-key-env ANTHROPIC_API_KEY --default
  echochat accounts add local --model llama3.2 --endpoint http://gpu-box:11434
  echochat accounts list
  echochat accounts remove personal --reassign work`,
	RunE: runAccountsList,
}

var accountsAddCmd = &cobra.Command{
	Use:   "add <gemini|claude|local>",
	Short: "Add an account",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountsAdd,
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts",
	RunE:  runAccountsList,
}

var accountsRemoveCmd = &cobra.Command{
	Use:   "remove <account>",
	Short: "Remove an account and its API key",
	Long: `Remove an account. Its conversations move to --reassign, or are
archived when no replacement is given.`,
	Args: cobra.ExactArgs(1),
	RunE: runAccountsRemove,
}

var accountsDefaultCmd = &cobra.Command{
	Use:   "default <account>",
	Short: "Make an account the default for its provider",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountsDefault,
}

var accountsSetKeyCmd = &cobra.Command{
	Use:   "set-key <account>",
	Short: "Replace the API key of an account",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountsSetKey,
}

var accountsEditCmd = &cobra.Command{
	Use:   "edit <account>",
	Short: "Change label, model or endpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountsEdit,
}

var (
	accountLabel    string
	accountModel    string
	accountEndpoint string
	accountDefault  bool
	accountKeyEnv   string
	accountReassign string
	accountNoCheck  bool
)

func init() {
	for _, c := range []*cobra.Command{accountsAddCmd, accountsEditCmd} {
		c.Flags().StringVar(&accountLabel, "label", "", "Display label")
		c.Flags().StringVar(&accountModel, "model", "", "Model name (default depends on provider)")
		c.Flags().StringVar(&accountEndpoint, "endpoint", "", "Base URL override")
	}
	for _, c := range []*cobra.Command{accountsAddCmd, accountsSetKeyCmd} {
		c.Flags().StringVar(&accountKeyEnv, "api-key-env", "", "Read the API key from this environment variable instead of prompting")
		c.Flags().BoolVar(&accountNoCheck, "no-check", false, "Save without checking the key against the provider")
	}
	accountsAddCmd.Flags().BoolVar(&accountDefault, "default", false, "Make this the default account for its provider")
	accountsRemoveCmd.Flags().StringVar(&accountReassign, "reassign", "", "Move conversations to this account")

	accountsCmd.AddCommand(accountsAddCmd)
	accountsCmd.AddCommand(accountsListCmd)
	accountsCmd.AddCommand(accountsRemoveCmd)
	accountsCmd.AddCommand(accountsDefaultCmd)
	accountsCmd.AddCommand(accountsSetKeyCmd)
	accountsCmd.AddCommand(accountsEditCmd)
	rootCmd.AddCommand(accountsCmd)
}

func runAccountsAdd(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	kind, ok := llm.ParseKind(args[0])
	if !ok {
		return llm.NewError(llm.UnknownProviderKind, fmt.Sprintf("%q", args[0]), nil)
	}
	var secret string
	if kind.RequiresCredential() || accountKeyEnv != "" {
		secret, err = readSecret(fmt.Sprintf("API key for %s: ", kind))
		if err != nil {
			return err
		}
	}

	acct, err := a.accounts.Add(ctx, accounts.AddRequest{
		Kind:     string(kind),
		Label:    accountLabel,
		Model:    accountModel,
		Endpoint: accountEndpoint,
		Secret:   secret,
		Default:  accountDefault,

		SkipValidation: accountNoCheck,
	})
	if errors.Is(err, accounts.ErrSecretRequired) {
		return errorf(exitcode.Config, "%v", err)
	}
	if err != nil {
		return err
	}
	if accountDefault {
		if err := a.accounts.SetDefault(ctx, acct.ID); err != nil {
			return err
		}
	}
	fmt.Printf("Added %s account %s (%s)\n", acct.Kind, acct.DisplayName(), store.ShortID(acct.ID))
	return nil
}

func runAccountsList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	list, err := a.accounts.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list accounts: %w", err)
	}
	if len(list) == 0 {
		fmt.Println("No accounts. Add one with: echochat accounts add <gemini|claude|local>")
		return nil
	}

	fmt.Printf("  %-9s %-7s %-20s %-28s %-4s %s\n", "ID", "Kind", "Name", "Model", "Key", "Tokens")
	fmt.Println(strings.Repeat("-", 84))
	for _, s := range list {
		marker := " "
		if s.IsDefault {
			marker = "*"
		}
		key := "no"
		if s.HasSecret {
			key = "yes"
		} else if !s.Kind.RequiresCredential() {
			key = "-"
		}
		fmt.Printf("%s %-9s %-7s %-20s %-28s %-4s %s\n",
			marker, store.ShortID(s.ID), s.Kind, truncate(s.DisplayName(), 20), truncate(s.Model, 28), key,
			formatTokenPair(s.TotalTokensIn, s.TotalTokensOut))
	}
	return nil
}

func runAccountsRemove(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	acct, err := resolveAccount(ctx, a.store, args[0])
	if err != nil {
		return err
	}
	reassign := ""
	if accountReassign != "" {
		target, err := resolveAccount(ctx, a.store, accountReassign)
		if err != nil {
			return err
		}
		reassign = target.ID
	}

	moved, err := a.accounts.Remove(ctx, acct.ID, reassign)
	if err != nil {
		return fmt.Errorf("failed to remove account: %w", err)
	}
	fmt.Printf("Removed account %s\n", acct.DisplayName())
	if moved > 0 {
		if reassign != "" {
			fmt.Printf("Moved %d conversation(s) to %s\n", moved, accountReassign)
		} else {
			fmt.Printf("Archived %d conversation(s)\n", moved)
		}
	}
	return nil
}

func runAccountsDefault(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	acct, err := resolveAccount(ctx, a.store, args[0])
	if err != nil {
		return err
	}
	if err := a.accounts.SetDefault(ctx, acct.ID); err != nil {
		return err
	}
	fmt.Printf("%s is now the default %s account\n", acct.DisplayName(), acct.Kind)
	return nil
}

func runAccountsSetKey(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	acct, err := resolveAccount(ctx, a.store, args[0])
	if err != nil {
		return err
	}
	secret, err := readSecret(fmt.Sprintf("API key for %s: ", acct.DisplayName()))
	if err != nil {
		return err
	}
	if err := a.accounts.SetSecret(ctx, acct.ID, secret, accountNoCheck); err != nil {
		return err
	}
	fmt.Printf("Updated API key for %s\n", acct.DisplayName())
	return nil
}

func runAccountsEdit(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	acct, err := resolveAccount(ctx, a.store, args[0])
	if err != nil {
		return err
	}
	updated, err := a.accounts.Update(ctx, acct.ID, accountLabel, accountModel, accountEndpoint)
	if err != nil {
		return err
	}
	fmt.Printf("Updated %s: model %s\n", updated.DisplayName(), updated.Model)
	return nil
}

// readSecret takes the key from --api-key-env, a hidden terminal prompt, or
// the first line of stdin when it is not a terminal.
func readSecret(prompt string) (string, error) {
	if accountKeyEnv != "" {
		v := strings.TrimSpace(os.Getenv(accountKeyEnv))
		if v == "" {
			return "", errorf(exitcode.Config, "environment variable %s is empty", accountKeyEnv)
		}
		return v, nil
	}

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, prompt)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read API key: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read API key from stdin: %w", err)
	}
	return strings.TrimSpace(line), nil
}
