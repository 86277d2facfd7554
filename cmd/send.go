package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/echochat/echochat/internal/bus"
	"github.com/echochat/echochat/internal/chat"
	"github.com/echochat/echochat/internal/exitcode"
	"github.com/echochat/echochat/internal/llm"
	"github.com/echochat/echochat/internal/store"
	"github.com/spf13/cobra"
)

var sendCmd = &cobra.Command{
	Use:   "send <conversation> <text...>",
	Short: "Send a message and stream the reply",
	Long: `Send a message to a conversation and print the reply as it streams.
Use "-" as the text to read it from stdin. Ctrl-C cancels the reply and
keeps whatever arrived so far.

Examples:
  echochat send 3f2a "what does this error mean?"
  echochat send 3f2a "describe this" --image photo.jpg
  git diff | echochat send 3f2a -`,
	Args: cobra.MinimumNArgs(2),
	RunE: runSend,
}

var regenerateCmd = &cobra.Command{
	Use:   "regenerate <message-id>",
	Short: "Replace an assistant reply with a new one",
	Long: `Ask the provider again for an assistant message. Everything after
that message in the conversation is discarded.`,
	Args: cobra.ExactArgs(1),
	RunE: runRegenerate,
}

var editCmd = &cobra.Command{
	Use:   "edit <message-id> <text...>",
	Short: "Rewrite one of your messages and stream a new reply",
	Long: `Replace the text of a message you sent and ask the provider again.
Later messages in the conversation are discarded. Use "-" as the text to
read it from stdin. Attached images are kept.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runEdit,
}

var sendImages []string

func init() {
	sendCmd.Flags().StringArrayVar(&sendImages, "image", nil, "Attach an image file (repeatable)")
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(regenerateCmd)
	rootCmd.AddCommand(editCmd)
}

// readText joins args, or reads stdin when the only arg is "-".
func readText(args []string) (string, error) {
	text := strings.Join(args, " ")
	if text != "-" {
		return text, nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return string(data), nil
}

func runSend(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	convID, err := a.store.ResolveConversationID(ctx, args[0])
	if err != nil {
		return err
	}
	text, err := readText(args[1:])
	if err != nil {
		return err
	}
	images, err := loadImages(sendImages)
	if err != nil {
		return err
	}

	// Subscribe first so no delta is missed between Send and the read loop.
	events, unsubscribe := a.bus.Subscribe()
	defer unsubscribe()

	receipt, err := a.chat.Send(ctx, convID, chat.Input{Text: text, Images: images})
	if err != nil {
		return err
	}
	return streamReply(ctx, a, events, receipt)
}

func runRegenerate(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	msgID, err := a.store.ResolveMessageID(ctx, args[0])
	if err != nil {
		return err
	}
	events, unsubscribe := a.bus.Subscribe()
	defer unsubscribe()

	receipt, err := a.chat.Regenerate(ctx, msgID)
	if err != nil {
		return err
	}
	return streamReply(ctx, a, events, receipt)
}

func runEdit(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	msgID, err := a.store.ResolveMessageID(ctx, args[0])
	if err != nil {
		return err
	}
	text, err := readText(args[1:])
	if err != nil {
		return err
	}
	events, unsubscribe := a.bus.Subscribe()
	defer unsubscribe()

	receipt, err := a.chat.Edit(ctx, msgID, text)
	if err != nil {
		return err
	}
	return streamReply(ctx, a, events, receipt)
}

// streamReply prints deltas for the receipt's assistant message until it
// is finalized. An interrupt cancels the turn; the partial reply stays.
func streamReply(ctx context.Context, a *app, events <-chan bus.Event, receipt *chat.Receipt) error {
	interrupted := false
	done := ctx.Done()
	wrote := false
	for {
		select {
		case <-done:
			interrupted = true
			done = nil
			a.chat.Cancel(receipt.ConversationID)
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("event stream closed before the reply finished")
			}
			if ev.MessageID != receipt.AssistantMessageID {
				continue
			}
			switch ev.Kind {
			case bus.MessageDelta:
				fmt.Print(ev.Text)
				wrote = wrote || ev.Text != ""
			case bus.MessageFinalized:
				if wrote {
					fmt.Println()
				}
				return finalError(ev, interrupted)
			}
		}
	}
}

func finalError(ev bus.Event, interrupted bool) error {
	switch store.Status(ev.Status) {
	case store.StatusComplete:
		return nil
	case store.StatusCancelled:
		if interrupted {
			return exitcode.Cancel()
		}
		return errorf(exitcode.Cancelled, "reply cancelled")
	}
	msg := ev.Detail
	if msg == "" {
		msg = "reply failed"
	}
	return errorf(exitcode.FromKind(llm.ErrorKind(ev.ErrorKind)), "%s", msg)
}

func loadImages(paths []string) ([]llm.Image, error) {
	var images []llm.Image
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read image: %w", err)
		}
		mime := http.DetectContentType(data)
		if !strings.HasPrefix(mime, "image/") {
			return nil, errorf(exitcode.Config, "%s does not look like an image (%s)", p, mime)
		}
		images = append(images, llm.Image{MIMEType: mime, Data: data})
	}
	return images, nil
}
