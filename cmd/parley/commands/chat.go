package commands

import (
	"bufio"
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/parleyhq/parley/internal/backend"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/event"
	"github.com/parleyhq/parley/internal/mockbackend"
	"github.com/parleyhq/parley/internal/resolver"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/transcript"
	"github.com/parleyhq/parley/pkg/types"
)

var (
	chatSession   string
	chatNew       bool
	chatDemo      bool
	chatWebSearch bool
)

var chatCmd = &cobra.Command{
	Use:   "chat [message...]",
	Short: "Send a message or start an interactive chat",
	Long: `Send a message and stream the reply. With no arguments an interactive
loop starts; type /new for a fresh conversation and /quit to exit.

Examples:
  parley chat "What changed in my last session?"
  parley chat --session 01JF...  "continue here"
  parley chat --new
  parley chat --demo  # run against a built-in scripted backend`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatSession, "session", "s", "", "Session ID to continue")
	chatCmd.Flags().BoolVar(&chatNew, "new", false, "Force a new conversation")
	chatCmd.Flags().BoolVar(&chatDemo, "demo", false, "Chat against an in-process mock backend")
	chatCmd.Flags().BoolVar(&chatWebSearch, "web-search", false, "Enable web search on the backend")
}

// app bundles the wired client stack.
type app struct {
	store      *store.Store
	resolver   *resolver.Resolver
	controller *transcript.Controller
	watcher    *event.Watcher
	cleanup    func()
}

// buildApp wires store, resolver and controller from config.
func buildApp(cfg *config.Config) (*app, error) {
	var cleanup func()

	baseURL := cfg.BaseURL
	if chatDemo {
		mock := mockbackend.New()
		mock.ReplyChunks = []string{"This is the demo backend. ", "Everything you type ", "comes back scripted."}
		srv := httptest.NewServer(mock.Router())
		baseURL = srv.URL
		cleanup = srv.Close
	}

	identity := types.Identity{UserID: cfg.UserID, Authenticated: cfg.UserID != ""}
	identityFn := func() types.Identity { return identity }

	st := store.New(cfg.StorePath)
	be := backend.New(baseURL)
	res := resolver.New(st, be, identityFn)

	var printed int
	ctrl := transcript.NewController(transcript.Config{
		Resolver:        res,
		Backend:         be,
		Store:           st,
		Identity:        identityFn,
		ChatTimeout:     cfg.ChatTimeout(),
		EnableWebSearch: chatWebSearch,
		Detector:        transcript.NewPhraseDetector(cfg.CompletionPhrases...),
		OnUpdate: func(messages []types.Message) {
			// Print only the growing tail of the streaming assistant
			// message so the reply renders incrementally.
			if len(messages) == 0 {
				return
			}
			last := messages[len(messages)-1]
			if last.Role != types.RoleAssistant {
				printed = 0
				return
			}
			if len(last.Content) > printed {
				fmt.Print(last.Content[printed:])
				printed = len(last.Content)
			}
		},
	})

	watcher, err := event.NewWatcher(st)
	if err != nil {
		return nil, err
	}
	if err := watcher.Start(); err != nil {
		return nil, err
	}

	return &app{
		store:      st,
		resolver:   res,
		controller: ctrl,
		watcher:    watcher,
		cleanup:    cleanup,
	}, nil
}

func (a *app) close() {
	a.watcher.Close()
	if a.cleanup != nil {
		a.cleanup()
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	switch {
	case chatNew:
		if err := a.controller.NewConversation(ctx); err != nil {
			return err
		}
	case chatSession != "":
		if _, err := a.resolver.Resolve(ctx, &chatSession); err != nil {
			return err
		}
	}

	if err := a.controller.Hydrate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "could not load history: %v\n", err)
	}

	if len(args) > 0 {
		return sendOne(ctx, a, strings.Join(args, " "))
	}

	return interactiveLoop(ctx, a)
}

func sendOne(ctx context.Context, a *app, text string) error {
	if err := a.controller.Send(ctx, text, nil); err != nil {
		return err
	}
	fmt.Println()
	return nil
}

func interactiveLoop(ctx context.Context, a *app) error {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("parley - /new starts over, /quit exits")

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())

		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/new":
			if err := a.controller.NewConversation(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
			}
			fmt.Println("started a new conversation")
			continue
		}

		if err := a.controller.Send(ctx, line, nil); err != nil {
			fmt.Fprintf(os.Stderr, "\nerror: %v\n", err)
			continue
		}
		fmt.Println()
	}
}
