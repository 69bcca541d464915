package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/terryong31/nego-lah/internal/backend"
	"github.com/terryong31/nego-lah/internal/chatsync"
	"github.com/terryong31/nego-lah/internal/config"
	"github.com/terryong31/nego-lah/internal/logging"
	"github.com/terryong31/nego-lah/internal/model"
	"github.com/terryong31/nego-lah/internal/realtime"
)

var errQuit = errors.New("quit")

type chatFlags struct {
	conversation string
	item         string
	admin        bool
	apiURL       string
	wsURL        string
	origin       string
	historyLimit int
}

func main() {
	_ = godotenv.Load()

	if err := newRootCmd(config.LoadClient()).ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(cfg config.ClientConfig) *cobra.Command {
	f := chatFlags{}
	cmd := &cobra.Command{
		Use:   "negochat",
		Short: "Chat with a seller's negotiation assistant from the terminal",
		Long: `negochat opens one conversation against the chat backend.

Lines are sent as messages. Commands:
  /more          load older messages
  /clear         delete the conversation history
  /attach PATH   attach a file to the next message
  /ai on|off     (admin) hand the conversation to or from the AI
  /chats         (admin) list conversations
  /quit          leave`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), cfg, f, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&f.conversation, "conversation", "c", "", "conversation id (defaults to a new guest conversation)")
	cmd.Flags().StringVar(&f.item, "item", "", "item the conversation is about")
	cmd.Flags().BoolVar(&f.admin, "admin", false, "join as the seller")
	cmd.Flags().StringVar(&f.apiURL, "api", cfg.APIURL, "backend base URL")
	cmd.Flags().StringVar(&f.wsURL, "ws", cfg.WSURL, "realtime hub URL")
	cmd.Flags().StringVar(&f.origin, "origin", cfg.Origin, "Origin header sent to the hub")
	cmd.Flags().IntVar(&f.historyLimit, "history", cfg.HistoryLimit, "messages per history page")
	return cmd
}

func runChat(ctx context.Context, cfg config.ClientConfig, f chatFlags, in io.Reader, out io.Writer) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Printf("❌ Failed to initialize logger: %v", err)
		logger = zap.NewNop()
	}
	defer logger.Sync()

	actor := model.SourceUser
	client := backend.New(f.apiURL, nil)
	if f.admin {
		if f.conversation == "" {
			return errors.New("--admin requires --conversation")
		}
		actor = model.SourceAdmin
		client = backend.NewAdmin(f.apiURL, nil)
	}
	if f.conversation == "" {
		f.conversation = chatsync.GuestPrefix + uuid.NewString()
	}

	channel := realtime.NewWSChannel(f.wsURL, actor,
		realtime.WithOrigin(f.origin),
		realtime.WithLogger(logger),
	)
	sess := chatsync.NewSession(client, channel, chatsync.Options{
		ConversationID: f.conversation,
		Actor:          actor,
		ItemID:         f.item,
		HistoryLimit:   f.historyLimit,
		Logger:         logger,
	})
	defer sess.Close()

	views := make(chan chatsync.View, 1)
	unwatch := sess.Watch(func(v chatsync.View) { offer(views, v) })
	defer unwatch()

	fmt.Fprintf(out, "Conversation %s (type /help for commands)\n", f.conversation)
	if err := sess.Start(ctx); err != nil {
		logger.Warn("realtime updates unavailable", zap.Error(err))
		fmt.Fprintln(out, "(realtime updates unavailable, replies still arrive)")
	}

	g, gctx := errgroup.WithContext(ctx)

	lines := make(chan string)
	go readLines(gctx.Done(), in, lines)

	// The render loop is the only writer to out from here on.
	r := newRenderer(out, actor)
	notes := make(chan string, 16)
	c := &console{sess: sess, client: client, admin: f.admin, conversation: f.conversation, notes: notes}

	g.Go(func() error {
		r.Draw(sess.View())
		for {
			select {
			case <-gctx.Done():
				return nil
			case v := <-views:
				r.Draw(v)
			case n := <-notes:
				r.Note(n)
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return errQuit
				}
				if err := c.handle(gctx, g, line); err != nil {
					return err
				}
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) {
		return err
	}
	return nil
}

// offer replaces any undelivered view with v.
func offer(ch chan chatsync.View, v chatsync.View) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// readLines forwards input lines until in ends or done is closed.
func readLines(done <-chan struct{}, in io.Reader, lines chan<- string) {
	defer close(lines)
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		select {
		case lines <- sc.Text():
		case <-done:
			return
		}
	}
}

// console runs the commands typed by the local actor.
type console struct {
	sess         *chatsync.Session
	client       *backend.Client
	admin        bool
	conversation string
	notes        chan<- string
	pending      []backend.File
}

// say queues a status line for the render loop.
func (c *console) say(ctx context.Context, format string, args ...any) {
	select {
	case c.notes <- fmt.Sprintf(format, args...):
	case <-ctx.Done():
	}
}

func (c *console) handle(ctx context.Context, g *errgroup.Group, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/quit", "/exit":
		return errQuit
	case "/help":
		c.say(ctx, "/more /clear /attach PATH /ai on|off /chats /quit")
	case "/more":
		if !c.sess.LoadMore(ctx) {
			c.say(ctx, "(no older messages)")
		}
	case "/clear":
		c.sess.ClearHistory(ctx)
	case "/attach":
		data, err := os.ReadFile(arg)
		if err != nil {
			c.say(ctx, "(cannot attach: %v)", err)
			return nil
		}
		file := backend.File{Name: filepath.Base(arg), Data: data}
		file.Type = chatsync.DetectType(file)
		c.pending = append(c.pending, file)
		c.say(ctx, "(attached %s, %s)", file.Name, file.Type)
	case "/ai":
		if !c.admin {
			c.say(ctx, "(only the seller can do that)")
			return nil
		}
		if arg != "on" && arg != "off" {
			c.say(ctx, "usage: /ai on|off")
			return nil
		}
		if err := c.client.SetAI(ctx, c.conversation, arg == "on"); err != nil {
			c.say(ctx, "(toggle failed: %v)", err)
		}
	case "/chats":
		if !c.admin {
			c.say(ctx, "(only the seller can do that)")
			return nil
		}
		chats, err := c.client.Chats(ctx)
		if err != nil {
			c.say(ctx, "(list failed: %v)", err)
			return nil
		}
		rows := make([]string, 0, len(chats))
		for _, s := range chats {
			rows = append(rows, fmt.Sprintf("  %s  %d messages  %s: %s", s.ConversationID, s.MessageCount, s.LastRole, s.LastMessage))
		}
		c.say(ctx, "%d conversations\n%s", len(chats), strings.Join(rows, "\n"))
	default:
		if strings.HasPrefix(cmd, "/") {
			c.say(ctx, "(unknown command %s)", cmd)
			return nil
		}
		files := c.pending
		c.pending = nil
		c.sess.NotifyTyping(ctx)
		g.Go(func() error {
			// Other failures reach the view's error line.
			if err := c.sess.Send(ctx, line, files); errors.Is(err, chatsync.ErrBusy) {
				c.say(ctx, "(still replying, wait a moment)")
			}
			return nil
		})
	}
	return nil
}
