// Package main provides the Reader Engine CLI entrypoint.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/docsight/reader-engine/cmd/reader-engine-cli/ui"
	"github.com/docsight/reader-engine/internal/cache"
	"github.com/docsight/reader-engine/internal/collab"
	"github.com/docsight/reader-engine/internal/collab/translate"
	"github.com/docsight/reader-engine/internal/config"
	"github.com/docsight/reader-engine/internal/observability"
	"github.com/docsight/reader-engine/internal/storage"
	"github.com/docsight/reader-engine/internal/translation"
)

var (
	cfgFile    string
	outputJSON bool

	cfg    *config.Config
	logger *observability.Logger
)

// rootCmd represents the base command.
var rootCmd = &cobra.Command{
	Use:   "reader-engine-cli",
	Short: "Reader Engine CLI for document ingestion and inspection",
	Long: `Reader Engine CLI processes documents through the full pipeline and
inspects the results.

Use this tool to:
- Ingest a PDF and watch text, layout, and insights arrive live
- Check a document's processing status and history
- Print extracted text and generated insights
- Translate text through the coalescing translation cache

All commands support --json for automation.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		logLevel := cfg.Observability.LogLevel
		logFormat := "console"
		if outputJSON {
			logFormat = "json"
			logLevel = "error"
		}

		logger = observability.NewLogger(observability.LogConfig{
			Level:       logLevel,
			Format:      logFormat,
			ServiceName: "reader-engine-cli",
		})

		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default: uses env vars)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")

	rootCmd.AddCommand(newIngestCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newTextCmd())
	rootCmd.AddCommand(newInsightsCmd())
	rootCmd.AddCommand(newTranslateCmd())
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newVersionCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openDatabase(cfg *config.Config) (*sql.DB, error) {
	return storage.Open(context.Background(), storage.OpenOptions{
		Path:         cfg.Database.Path,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		JournalMode:  cfg.Database.JournalMode,
	})
}

// newStatusCmd creates the status subcommand.
func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <document-id>",
		Short: "Show a document's processing status and stage history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			docID := args[0]

			db, err := openDatabase(cfg)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			repos := storage.NewRepositories(db)

			doc, err := repos.Documents.GetLatest(ctx, docID)
			if err != nil {
				return fmt.Errorf("lookup document: %w", err)
			}

			history, err := repos.Audit.ListByDocument(ctx, docID)
			if err != nil {
				return fmt.Errorf("lookup history: %w", err)
			}

			if outputJSON {
				return json.NewEncoder(os.Stdout).Encode(map[string]any{
					"document": doc,
					"history":  history,
				})
			}

			ui.Section("Document " + doc.ID)
			fmt.Printf("Version:    %d\n", doc.Version)
			fmt.Printf("Status:     %s\n", doc.Status)
			fmt.Printf("Pages:      %d\n", doc.PageCount)
			if doc.FailedStage != nil {
				reason := ""
				if doc.FailureReason != nil {
					reason = *doc.FailureReason
				}
				ui.Error("Failed at %s stage: %s", *doc.FailedStage, reason)
			}
			fmt.Printf("Created:    %s\n", doc.CreatedAt.Format(time.RFC3339))
			fmt.Printf("Updated:    %s\n", doc.UpdatedAt.Format(time.RFC3339))

			if len(history) > 0 {
				ui.Section("History")
				for _, evt := range history {
					line := fmt.Sprintf("%s  %-10s %s -> %s",
						evt.CreatedAt.Format(time.RFC3339), evt.Stage, evt.FromStatus, evt.ToStatus)
					if evt.Detail != "" {
						line += "  (" + evt.Detail + ")"
					}
					fmt.Println(line)
				}
			}

			return nil
		},
	}
	return cmd
}

// newTextCmd creates the text subcommand.
func newTextCmd() *cobra.Command {
	var page int

	cmd := &cobra.Command{
		Use:   "text <document-id>",
		Short: "Print a document's extracted text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			docID := args[0]

			db, err := openDatabase(cfg)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			repos := storage.NewRepositories(db)

			pages, err := repos.Pages.ListPages(ctx, docID)
			if err != nil {
				return fmt.Errorf("lookup pages: %w", err)
			}
			if len(pages) == 0 {
				return fmt.Errorf("document %s not found", docID)
			}

			chunks, err := repos.Pages.ListChunks(ctx, docID)
			if err != nil {
				return fmt.Errorf("lookup text: %w", err)
			}

			textByPage := make(map[int]*strings.Builder)
			for _, chunk := range chunks {
				sb, ok := textByPage[chunk.Page]
				if !ok {
					sb = &strings.Builder{}
					textByPage[chunk.Page] = sb
				}
				sb.WriteString(chunk.Text)
			}

			if outputJSON {
				out := make(map[string]string, len(textByPage))
				for p, sb := range textByPage {
					out[fmt.Sprintf("%d", p)] = sb.String()
				}
				return json.NewEncoder(os.Stdout).Encode(out)
			}

			for _, pg := range pages {
				if page >= 0 && pg.Page != page {
					continue
				}
				ui.Section(fmt.Sprintf("Page %d", pg.Page))
				if pg.TextFailed {
					ui.Warning("text extraction failed for this page")
					continue
				}
				if sb, ok := textByPage[pg.Page]; ok {
					fmt.Println(sb.String())
				}
			}

			return nil
		},
	}

	cmd.Flags().IntVar(&page, "page", -1, "print only this page")
	return cmd
}

// newInsightsCmd creates the insights subcommand.
func newInsightsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "insights <document-id>",
		Short: "Print a document's generated insights with citation grounding",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			docID := args[0]

			db, err := openDatabase(cfg)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			repos := storage.NewRepositories(db)

			insights, err := repos.Insights.ListByDocument(ctx, docID)
			if err != nil {
				return fmt.Errorf("lookup insights: %w", err)
			}

			if outputJSON {
				return json.NewEncoder(os.Stdout).Encode(insights)
			}

			if len(insights) == 0 {
				ui.Info("no insights for document %s", docID)
				return nil
			}

			for _, insight := range insights {
				ui.Section(string(insight.Kind))
				fmt.Println(insight.Body)
				for _, cit := range insight.Citations {
					target := "unresolved"
					if cit.TargetElementID != nil {
						target = "element " + cit.TargetElementID.String()
					}
					fmt.Printf("  [page %d, %d-%d] -> %s\n", cit.Page, cit.OffsetStart, cit.OffsetEnd, target)
				}
			}

			return nil
		},
	}
	return cmd
}

// newTranslateCmd creates the translate subcommand.
func newTranslateCmd() *cobra.Command {
	var targetLang string

	cmd := &cobra.Command{
		Use:   "translate <text>",
		Short: "Translate text through the coalescing translation cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()

			client, err := translate.NewClient(translate.Config{
				BaseURL: cfg.Collaborators.Translate.BaseURL,
				APIKey:  cfg.Collaborators.Translate.APIKey,
				Timeout: cfg.Collaborators.Translate.Timeout,
				Limiter: collab.NewLimiter(cfg.Collaborators.Translate.MaxInFlight, cfg.Collaborators.Translate.RateLimit),
			})
			if err != nil {
				return fmt.Errorf("create translation client: %w", err)
			}

			store := cache.NewMemoryClient(cfg.Cache.MaxEntries)
			defer store.Close()

			translator := translation.NewCache(client, store, logger, translation.Config{
				TTL: cfg.Translation.CacheTTL,
			})

			result, err := translator.Translate(ctx, args[0], targetLang)
			if err != nil {
				return fmt.Errorf("translate: %w", err)
			}

			if outputJSON {
				return json.NewEncoder(os.Stdout).Encode(map[string]string{
					"translation": result,
					"targetLang":  targetLang,
				})
			}

			fmt.Println(result)
			return nil
		},
	}

	cmd.Flags().StringVarP(&targetLang, "lang", "l", "en", "target language code")
	return cmd
}

// newMigrateCmd creates the migrate subcommand.
func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDatabase(cfg)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			defer db.Close()

			ui.Success("database schema up to date at %s", cfg.Database.Path)
			return nil
		},
	}
	return cmd
}

// Version is set at build time.
var Version = "dev"

// newVersionCmd creates the version subcommand.
func newVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("reader-engine-cli %s\n", Version)
		},
	}
	return cmd
}
