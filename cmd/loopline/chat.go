package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	loopline "github.com/loopline-im/loopline-go"
)

func init() {
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <peer-id>",
	Short: "Open an interactive conversation",
	Long: `Open an interactive conversation with another user.

Type a line to send it. Commands:
  /edit <message-id> <text>   edit one of your messages
  /delete <message-id>        delete a message
  /send <file> [caption]      upload a file and send it
  /peer <user-id>             switch conversation
  /quit                       exit`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		peer := args[0]
		if !loopline.ValidID(peer) {
			return fmt.Errorf("invalid peer id %q", peer)
		}

		log := newLogger()
		rest, session, baseURL := newRestClient(log)

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		conn := loopline.NewConnManager(loopline.ConnConfig{
			URL:     loopline.WebsocketURL(baseURL),
			Session: session,
			Logger:  log,
			OnState: func(s loopline.ConnState) {
				fmt.Printf("-- connection %s\n", s)
			},
		})
		defer conn.Close()

		printer := &chatPrinter{self: session.UserID}
		engine := loopline.NewEngine(loopline.EngineConfig{
			Session: session,
			Conn:    conn,
			Rest:    rest,
			Peer:    peer,
			Logger:  log,
			OnNotice: func(n loopline.Notice) {
				fmt.Printf("-- %s\n", n.Text)
			},
			OnAuthExpired: func() {
				fmt.Fprintln(os.Stderr, "Session expired; log in again.")
				cancel()
			},
		})
		printer.engine = engine

		fallback := loopline.NewFallbackSync(loopline.FallbackConfig{
			Engine: engine,
			Conn:   conn,
			Logger: log,
		})

		go engine.Run(ctx)
		go fallback.Run(ctx)
		go printer.run(ctx)

		if err := engine.LoadRoster(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "roster: %v\n", err)
		}
		fallback.Kick()
		if err := conn.Connect(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		}

		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if ctx.Err() != nil {
				break
			}
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if line == "/quit" {
				break
			}
			if err := runChatLine(ctx, engine, fallback, rest, line); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
			}
		}
		return nil
	},
}

func runChatLine(ctx context.Context, engine *loopline.Engine, fallback *loopline.FallbackSync, rest *loopline.Client, line string) error {
	if !strings.HasPrefix(line, "/") {
		_, err := engine.SendText(ctx, line)
		return err
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/edit":
		if len(fields) < 3 {
			return fmt.Errorf("usage: /edit <message-id> <text>")
		}
		return engine.Edit(ctx, fields[1], strings.Join(fields[2:], " "))
	case "/delete":
		if len(fields) != 2 {
			return fmt.Errorf("usage: /delete <message-id>")
		}
		return engine.Delete(ctx, fields[1])
	case "/send":
		if len(fields) < 2 {
			return fmt.Errorf("usage: /send <file> [caption]")
		}
		data, err := os.ReadFile(fields[1])
		if err != nil {
			return fmt.Errorf("read file: %w", err)
		}
		media, err := rest.UploadFile(ctx, filepath.Base(fields[1]), data)
		if err != nil {
			return fmt.Errorf("upload: %w", err)
		}
		_, err = engine.SendMedia(ctx, strings.Join(fields[2:], " "), media)
		return err
	case "/peer":
		if len(fields) != 2 || !loopline.ValidID(fields[1]) {
			return fmt.Errorf("usage: /peer <user-id>")
		}
		engine.SetPeer(fields[1])
		fallback.Kick()
		return nil
	default:
		return fmt.Errorf("unknown command %s", fields[0])
	}
}

// chatPrinter renders newly appended messages. It polls the engine
// snapshot instead of re-rendering on every change, which is enough for a
// line-oriented terminal.
type chatPrinter struct {
	engine *loopline.Engine
	self   string

	mu   sync.Mutex
	seen map[string]loopline.Message
}

func (p *chatPrinter) run(ctx context.Context) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.render()
		}
	}
}

func (p *chatPrinter) render() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seen == nil {
		p.seen = make(map[string]loopline.Message)
	}
	for _, m := range p.engine.Messages() {
		key := m.ID.String()
		prev, ok := p.seen[key]
		if ok && prev.Text == m.Text && prev.Status == m.Status && prev.Edited == m.Edited {
			continue
		}
		p.seen[key] = m
		p.printMessage(m, ok)
	}
}

func (p *chatPrinter) printMessage(m loopline.Message, update bool) {
	who := "them"
	if m.SenderID == p.self {
		who = "you"
	}
	suffix := ""
	if m.Status == loopline.StatusPending {
		suffix = " (sending)"
	}
	if m.Edited {
		suffix += " (edited)"
	}
	if update {
		suffix += " (updated)"
	}
	body := m.Text
	if m.Media != nil {
		body = fmt.Sprintf("%s [%s: %s]", m.Text, m.Media.Kind, m.Media.URL)
	}
	fmt.Printf("[%s] %s: %s%s  <%s>\n",
		m.CreatedAt.Local().Format("15:04:05"), who, body, suffix, m.ID)
}
