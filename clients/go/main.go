// chatrelay CLI - command line client for a chatrelay server
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatrelay/clients/go/chat"
	"github.com/eldtechnologies/chatrelay/internal/auth"
	"github.com/eldtechnologies/chatrelay/internal/models"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	baseURL := os.Getenv("CHATRELAY_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	token := os.Getenv("CHATRELAY_TOKEN")
	api := chat.NewAPI(baseURL, token)

	cmd := os.Args[1]
	switch cmd {
	case "health":
		resp, err := api.Health()
		if resp != nil {
			printJSON(resp)
		}
		exitOnError(err)

	case "presence":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: chatrelay presence <user-id>")
			os.Exit(1)
		}
		resp, err := api.Presence(os.Args[2])
		exitOnError(err)
		state := "offline"
		if resp.Online {
			state = "online"
		}
		fmt.Printf("%s is %s (%s presence)\n", resp.UserID, state, resp.Mode)

	case "history":
		room := roomArg(2)
		resp, err := api.History(room, 20, time.Time{})
		exitOnError(err)
		// Oldest first for reading.
		for i := len(resp.Messages) - 1; i >= 0; i-- {
			msg := resp.Messages[i]
			fmt.Printf("[%s] %s: %s\n", msg.CreatedAt.Local().Format("2006-01-02 15:04:05"), senderLabel(msg), msg.Content)
		}
		if resp.HasMore {
			fmt.Println("  ...")
		}

	case "post":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: chatrelay post <message> [room]")
			os.Exit(1)
		}
		resp, err := api.Post(roomArg(3), chat.PostRequest{Content: os.Args[2]})
		exitOnError(err)
		fmt.Printf("Posted: %s (delivered to %d)\n", resp.Message.ID, len(resp.DeliveredTo))

	case "name":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: chatrelay name <display-name>")
			os.Exit(1)
		}
		user, err := api.SetName(os.Args[2])
		exitOnError(err)
		fmt.Printf("Display name set: %s\n", user.Name)

	case "chat":
		exitOnError(runChat(baseURL, token, roomArg(2)))

	default:
		usage()
		os.Exit(1)
	}
}

// runChat joins room and relays stdin lines as messages until EOF or a signal.
func runChat(baseURL, token string, room models.RoomRef) error {
	userID, err := tokenUser(token)
	if err != nil {
		return err
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().
		Timestamp().
		Logger()

	transport := chat.NewWSTransport(baseURL, token)
	client, err := chat.NewClient(userID, transport, chat.NewFileQueueStore(configDir()))
	if err != nil {
		return err
	}
	if n := client.Pending(); n > 0 {
		logger.Info().Int("pending", n).Msg("restored unsent messages")
	}

	printer := newPrinter()
	client.OnChange(func() { printer.render(client.Messages()) })

	if err := client.Join(room); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if _, err := client.Send(room, line, ""); err != nil {
				logger.Error().Err(err).Msg("send failed")
			}
		}
		stop()
	}()

	err = chat.Run(ctx, client, transport, logger)
	if err == context.Canceled {
		return nil
	}
	return err
}

// printer prints each message once, and again when its status changes.
type printer struct {
	mu   sync.Mutex
	seen map[string]chat.Status
}

func newPrinter() *printer {
	return &printer{seen: make(map[string]chat.Status)}
}

func (p *printer) render(entries []chat.Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, e := range entries {
		key := e.LocalID
		if key == "" {
			key = e.ServerID
		}
		if status, ok := p.seen[key]; ok && status == e.Status {
			continue
		}
		p.seen[key] = e.Status

		name := e.SenderName
		if name == "" {
			name = e.Sender
		}
		line := fmt.Sprintf("[%s] %s: %s", e.CreatedAt.Local().Format("15:04:05"), name, e.Content)
		if e.LocalID != "" {
			line += fmt.Sprintf("  (%s)", e.Status)
		}
		if e.Error != "" {
			line += " " + e.Error
		}
		fmt.Println(line)
	}
}

// tokenUser reads the user id from the token. The server verifies it.
func tokenUser(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("CHATRELAY_TOKEN is required for chat (see cmd/mktoken)")
	}
	claims := &auth.Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("unreadable token: %w", err)
	}
	if id := claims.UserID(); id != "" {
		return id, nil
	}
	return "", auth.ErrInvalidToken
}

func configDir() string {
	if dir := os.Getenv("CHATRELAY_CONFIG"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".chatrelay")
}

func roomArg(i int) models.RoomRef {
	raw := "global"
	if len(os.Args) > i {
		raw = os.Args[i]
	}
	room, err := models.ParseRoomRef(raw)
	exitOnError(err)
	return room
}

func senderLabel(msg models.Message) string {
	if msg.Sender != nil && msg.Sender.Name != "" {
		return msg.Sender.Name
	}
	from := msg.SenderID
	if len(from) > 12 {
		from = from[:12]
	}
	return from
}

func usage() {
	fmt.Println(`chatrelay - real-time chat client

Usage:
  chatrelay health                 Check server health
  chatrelay presence <user-id>     Show whether a user is online
  chatrelay history [room]         Show recent messages (default: global)
  chatrelay post <message> [room]  Send a message over HTTP
  chatrelay name <display-name>    Set your display name
  chatrelay chat [room]            Interactive chat; unsent lines are queued
                                   and delivered when the server is reachable

Environment:
  CHATRELAY_URL     Server URL (default: http://localhost:8080)
  CHATRELAY_TOKEN   Bearer token (cmd/mktoken)
  CHATRELAY_CONFIG  Config directory (default: ~/.chatrelay)`)
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printJSON(v interface{}) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}
