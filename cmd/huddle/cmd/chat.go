package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/HMasataka/huddle/internal/logging"
	"github.com/HMasataka/huddle/pkg/chatclient"
	"github.com/HMasataka/huddle/pkg/domain"
	"github.com/spf13/cobra"
)

var (
	chatURL      string
	chatUser     string
	chatLogLevel string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Join a running server from the terminal",
	Long: `chat connects to a huddle server, logs in and relays stdin lines as
chat messages. Type /users to list who is present and /quit to leave.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runChat(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func init() {
	chatCmd.Flags().StringVar(&chatURL, "url", "ws://localhost:3000/ws", "chat server WebSocket URL")
	chatCmd.Flags().StringVar(&chatUser, "user", "", "username to log in with")
	chatCmd.Flags().StringVar(&chatLogLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	_ = chatCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(chatCmd)
}

func runChat(parent context.Context, in io.Reader, out io.Writer) error {
	if parent == nil {
		parent = context.Background()
	}

	serverURL, err := url.Parse(chatURL)
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	options := chatclient.DefaultOptions()
	options.Logger = logging.NewWithWriter(logging.Config{Level: chatLogLevel, Format: "text"}, os.Stderr)

	client := chatclient.New(*serverURL, options)

	var users []string
	usersCh := make(chan []string, 1)
	client.OnMessage(func(m domain.Message) {
		fmt.Fprintln(out, formatMessage(m))
	})
	client.OnUsers(func(list []string) {
		select {
		case <-usersCh:
		default:
		}
		usersCh <- list
	})
	client.OnError(func(code, message string) {
		fmt.Fprintf(out, "! %s: %s\n", code, message)
	})

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer client.Disconnect()

	if err := client.Login(ctx, chatUser); err != nil {
		return fmt.Errorf("login: %w", err)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-client.Done():
			fmt.Fprintln(out, "connection closed")
			return nil
		case list := <-usersCh:
			users = list
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			input := strings.TrimSpace(line)
			switch input {
			case "":
				continue
			case "/quit":
				return nil
			case "/users":
				fmt.Fprintf(out, "present (%d): %s\n", len(users), strings.Join(users, ", "))
				continue
			}
			if err := client.Say(ctx, input); err != nil {
				fmt.Fprintf(out, "! send failed: %v\n", err)
			}
		}
	}
}

func formatMessage(m domain.Message) string {
	at := m.Timestamp.Local().Format("15:04:05")
	if m.Kind == domain.KindSystem {
		return fmt.Sprintf("[%s] * %s", at, m.Text)
	}
	return fmt.Sprintf("[%s] <%s> %s", at, m.User, m.Text)
}
