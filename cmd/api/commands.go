package main

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	middleware "github.com/markdave123-py/crmrag/internal/api/middlewares"
	"github.com/markdave123-py/crmrag/internal/app"
	"github.com/markdave123-py/crmrag/internal/config"
	"github.com/markdave123-py/crmrag/internal/core"
	"github.com/markdave123-py/crmrag/internal/logging"
	"github.com/markdave123-py/crmrag/internal/models"
)

type scopeFlags struct {
	user       string
	team       string
	department string
}

func (f *scopeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.user, "user", "cli", "Owner / caller user id")
	cmd.Flags().StringVar(&f.team, "team", "", "Team id")
	cmd.Flags().StringVar(&f.department, "department", "", "Department id")
}

func (f *scopeFlags) scope() models.Scope {
	return models.Scope{OwnerID: f.user, TeamID: f.team, DepartmentID: f.department}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "crmrag",
		Short:         "CRM document ingestion and retrieval service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	root.AddCommand(newServeCmd(), newIngestCmd(), newSearchCmd(), newTokenCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the ingestion workers",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := startApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	defer func() { _ = a.Logger.Sync() }()

	a.Logger.Info("crmrag is running")
	return a.Run(ctx)
}

func newIngestCmd() *cobra.Command {
	var (
		sf      scopeFlags
		title   string
		private bool
	)
	cmd := &cobra.Command{
		Use:   "ingest <file>",
		Short: "Extract, chunk, embed and store one local file",
		Long: `Ingest stores the file in the configured file store and processes it
synchronously, printing the resulting document.

Examples:
  crmrag ingest --user u1 --team sales ./notes/acme-call.pdf
  crmrag ingest --private --title "Q3 forecast" forecast.docx`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading %s: %w", args[0], err)
			}

			a, err := startApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			name := filepath.Base(args[0])
			ref := models.FileRef{
				Path:     path.Join("cli", sf.user, uuid.NewString(), name),
				FileName: name,
				MimeType: detectMime(name, data),
				Size:     int64(len(data)),
			}
			if _, err := a.ObjectClient.Upload(cmd.Context(), ref.Path, data, map[string]string{"mime_type": ref.MimeType}); err != nil {
				return fmt.Errorf("storing %s: %w", name, err)
			}

			meta := map[string]any{}
			if title != "" {
				meta["title"] = title
			}
			s := sf.scope()
			doc, err := a.Processor.ProcessFile(cmd.Context(), ref, meta, models.ScopeOptions{
				OwnerID: s.OwnerID, TeamID: s.TeamID, DepartmentID: s.DepartmentID, IsPrivate: private,
			})
			if err != nil {
				discardUpload(context.WithoutCancel(cmd.Context()), a.ObjectClient, a.Logger, ref.Path)
				return err
			}
			doc.Content = ""
			return printJSON(cmd, doc)
		},
	}
	sf.register(cmd)
	cmd.Flags().StringVar(&title, "title", "", "Document title (defaults to the file name)")
	cmd.Flags().BoolVar(&private, "private", false, "Only the owner can see the document")
	return cmd
}

func newSearchCmd() *cobra.Command {
	var (
		sf        scopeFlags
		limit     int
		threshold float64
		textOnly  bool
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the chunks visible to a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return fmt.Errorf("limit must be positive, got %d", limit)
			}
			a, err := startApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			var matches []models.ChunkMatch
			if textOnly {
				matches, err = a.Processor.SearchText(cmd.Context(), args[0], threshold, limit, sf.scope())
			} else {
				matches, err = a.Processor.SearchSimilarDocuments(cmd.Context(), args[0], threshold, limit, sf.scope())
			}
			if err != nil {
				return err
			}
			return printJSON(cmd, matches)
		},
	}
	sf.register(cmd)
	cmd.Flags().IntVar(&limit, "limit", 5, "Maximum results to return")
	cmd.Flags().Float64Var(&threshold, "threshold", -1, "Minimum similarity (or rank with --text); negative uses the configured default")
	cmd.Flags().BoolVar(&textOnly, "text", false, "Lexical search only")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var (
		sf  scopeFlags
		ttl time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a signed API token for local testing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			tok, err := middleware.IssueToken(cfg.JWTSecret, sf.scope(), ttl)
			if err != nil {
				return fmt.Errorf("signing token (is JWT_SECRET set?): %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	sf.register(cmd)
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}

func startApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("env", cfg.AppEnv))

	a, err := app.NewApp(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("startup failed: %w", err)
	}
	return a, nil
}

// discardUpload removes a stored source whose ingestion failed.
func discardUpload(ctx context.Context, files core.ObjectClient, logger *zap.Logger, path string) {
	if err := files.Remove(ctx, path); err != nil {
		logger.Warn("removing failed upload", zap.String("path", path), zap.Error(err))
	}
}

func detectMime(name string, data []byte) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return http.DetectContentType(data)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
