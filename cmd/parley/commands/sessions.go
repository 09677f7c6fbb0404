package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/parleyhq/parley/internal/backend"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/pkg/types"
)

var sessionsLimit int

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage past conversations",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, be, identity, err := backendFromConfig()
		if err != nil {
			return err
		}
		_ = cfg

		sessions, err := be.ListSessions(cmdContext(cmd), sessionsLimit, identity)
		if err != nil {
			return err
		}

		if len(sessions) == 0 {
			fmt.Println("no sessions")
			return nil
		}
		for _, s := range sessions {
			when := ""
			if s.LastMessageAt != nil {
				when = s.LastMessageAt.Format(time.RFC3339)
			}
			fmt.Printf("%s\t%s\t%s\n", s.SessionID, when, s.Title)
		}
		return nil
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, be, identity, err := backendFromConfig()
		if err != nil {
			return err
		}
		return be.DeleteSession(cmdContext(cmd), args[0], identity)
	},
}

var sessionsRenameCmd = &cobra.Command{
	Use:   "rename <session-id> <title>",
	Short: "Rename a session",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, be, identity, err := backendFromConfig()
		if err != nil {
			return err
		}
		return be.RenameSession(cmdContext(cmd), args[0], args[1], identity)
	},
}

func init() {
	sessionsListCmd.Flags().IntVar(&sessionsLimit, "limit", 20, "Maximum sessions to list")

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)
	sessionsCmd.AddCommand(sessionsRenameCmd)
}

func backendFromConfig() (*config.Config, *backend.Client, types.Identity, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, types.Identity{}, err
	}
	identity := types.Identity{UserID: cfg.UserID, Authenticated: cfg.UserID != ""}
	return cfg, backend.New(cfg.BaseURL), identity, nil
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
