package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/conorfennell/recallguard/internal/auth"
	"github.com/conorfennell/recallguard/internal/config"
	"github.com/conorfennell/recallguard/internal/ingest"
	"github.com/conorfennell/recallguard/internal/review"
	"github.com/conorfennell/recallguard/internal/storage"
	"github.com/conorfennell/recallguard/internal/sync"
	"github.com/conorfennell/recallguard/internal/web"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// app carries what every subcommand needs once flags are parsed.
type app struct {
	configFile string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "recallguard",
		Short:         "Spaced-repetition review service for your notes",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("failed to load .env: %w", err)
			}
			cfg, err := config.Load(a.configFile, cmd.Flags())
			if err != nil {
				return err
			}
			a.cfg = cfg
			slog.SetDefault(cfg.Log.Logger(cmd.ErrOrStderr()))
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&a.configFile, "config", "c", "", "path to a YAML config file")
	pf.String("db", "recallguard.db", "database DSN (file path for sqlite)")
	pf.String("db-driver", "sqlite", "database driver: sqlite or postgres")
	pf.String("log-level", "info", "log level: debug, info, warn or error")

	root.AddCommand(
		a.serveCmd(),
		a.sourceCmd(),
		a.syncCmd(),
		a.scanCmd(),
		a.tokenCmd(),
	)
	return root
}

func (a *app) openRepository(ctx context.Context) (storage.Repository, error) {
	repo, err := storage.OpenRepository(ctx, a.cfg.Database.Driver, a.cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	slog.Debug("Database opened", "driver", a.cfg.Database.Driver)
	return repo, nil
}

// generator tries Q:/A: markup first and asks the LLM only when the note has
// none and an API key is configured.
func (a *app) generator() ingest.Generator {
	chain := ingest.Chain{ingest.MarkupGenerator{}}
	if a.cfg.LLM.APIKey != "" {
		chain = append(chain, ingest.NewOpenAIGenerator(ingest.OpenAIConfig{
			APIKey:  a.cfg.LLM.APIKey,
			BaseURL: a.cfg.LLM.BaseURL,
			Model:   a.cfg.LLM.Model,
			Timeout: a.cfg.LLM.Timeout,
		}))
	} else {
		slog.Warn("No LLM API key configured; notes without Q:/A: markup get the fallback question")
	}
	return chain
}

func (a *app) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.cfg.RequireSecret(); err != nil {
				return err
			}
			ctx := cmd.Context()
			repo, err := a.openRepository(ctx)
			if err != nil {
				return err
			}
			defer repo.Close()

			notes := ingest.NewService(repo, a.generator())
			issuer := auth.NewIssuer(a.cfg.Auth.JWTSecret, a.cfg.Auth.TokenTTL)
			handler := web.NewServer(web.Deps{
				Notes:   notes,
				Reviews: review.NewService(repo, time.Now),
				Sources: sync.NewSyncer(repo, notes, a.cfg.Sync.ReposDir),
				Auth:    issuer,
				UserID:  auth.UserID,
			})

			srv := &http.Server{
				Addr:         a.cfg.Server.Addr,
				Handler:      handler,
				ReadTimeout:  a.cfg.Server.ReadTimeout,
				WriteTimeout: a.cfg.Server.WriteTimeout,
			}
			errCh := make(chan error, 1)
			go func() {
				slog.Info("Starting server", "addr", srv.Addr)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("server failed: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			slog.Info("Shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().String("addr", ":8080", "address to listen on")
	return cmd
}

func (a *app) sourceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "source",
		Short: "Manage the directories and git repositories notes are imported from",
	}

	var userID int64
	add := &cobra.Command{
		Use:   "add <path-or-git-url>",
		Short: "Register a note source for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSyncer(cmd.Context(), func(s *sync.Syncer) error {
				src, err := s.AddSource(cmd.Context(), userID, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added %s source %d: %s\n", src.Type, src.ID, src.Path)
				return nil
			})
		},
	}
	add.Flags().Int64VarP(&userID, "user", "u", 0, "owning user id")
	_ = add.MarkFlagRequired("user")

	var listUser int64
	list := &cobra.Command{
		Use:   "list",
		Short: "List a user's note sources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withSyncer(cmd.Context(), func(s *sync.Syncer) error {
				sources, err := s.Sources(cmd.Context(), listUser)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tTYPE\tPATH\tLAST SCANNED")
				for _, src := range sources {
					scanned := "never"
					if src.LastScanned != nil {
						scanned = src.LastScanned.Local().Format(time.DateTime)
					}
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", src.ID, src.Type, src.Path, scanned)
				}
				return tw.Flush()
			})
		},
	}
	list.Flags().Int64VarP(&listUser, "user", "u", 0, "owning user id")
	_ = list.MarkFlagRequired("user")

	var removeUser int64
	remove := &cobra.Command{
		Use:   "remove <id>",
		Short: "Unregister a note source; imported notes are kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid source id %q", args[0])
			}
			return a.withSyncer(cmd.Context(), func(s *sync.Syncer) error {
				if err := s.RemoveSource(cmd.Context(), removeUser, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed source %d\n", id)
				return nil
			})
		},
	}
	remove.Flags().Int64VarP(&removeUser, "user", "u", 0, "owning user id")
	_ = remove.MarkFlagRequired("user")

	cmd.AddCommand(add, list, remove)
	return cmd
}

func (a *app) syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Import new and changed notes from every registered source",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withSyncer(cmd.Context(), func(s *sync.Syncer) error {
				report, err := s.Run(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Synced %d sources: %d imported, %d deleted, %d errors.\n",
					report.Sources, report.Imported, report.Deleted, len(report.Errors))
				for _, e := range report.Errors {
					fmt.Fprintf(cmd.OutOrStdout(), "- %s\n", e)
				}
				return nil
			})
		},
	}
	cmd.Flags().String("repos-dir", "repos", "directory git sources are cloned into")
	return cmd
}

func (a *app) withSyncer(ctx context.Context, fn func(*sync.Syncer) error) error {
	repo, err := a.openRepository(ctx)
	if err != nil {
		return err
	}
	defer repo.Close()
	return fn(sync.NewSyncer(repo, ingest.NewService(repo, a.generator()), a.cfg.Sync.ReposDir))
}

func (a *app) tokenCmd() *cobra.Command {
	var userID int64
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a signed API token for a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.cfg.RequireSecret(); err != nil {
				return err
			}
			if userID <= 0 {
				return fmt.Errorf("--user must be a positive id")
			}
			token, err := auth.NewIssuer(a.cfg.Auth.JWTSecret, a.cfg.Auth.TokenTTL).Issue(userID)
			if err != nil {
				return fmt.Errorf("failed to sign token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().Int64VarP(&userID, "user", "u", 0, "user id to issue the token for")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
