package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/docsight/reader-engine/cmd/reader-engine-cli/ui"
	"github.com/docsight/reader-engine/internal/collab"
	"github.com/docsight/reader-engine/internal/collab/layout"
	"github.com/docsight/reader-engine/internal/collab/llm"
	"github.com/docsight/reader-engine/internal/collab/textract"
	"github.com/docsight/reader-engine/internal/events"
	"github.com/docsight/reader-engine/internal/grounding"
	"github.com/docsight/reader-engine/internal/ingest"
	"github.com/docsight/reader-engine/internal/monitoring"
	"github.com/docsight/reader-engine/internal/pdf"
	"github.com/docsight/reader-engine/internal/storage"
)

// newIngestCmd creates the ingest subcommand.
func newIngestCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "ingest <file>",
		Short: "Process a document through the full pipeline",
		Long: `Ingest runs a document through text extraction, layout detection,
insight generation, and citation grounding, printing progress as each
stage's results arrive. Re-ingesting identical content attaches to the
run already in flight instead of starting a second one.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			source, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read file: %w", err)
			}

			db, err := openDatabase(cfg)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			repos := storage.NewRepositories(db)

			coordinator, err := buildCoordinator(repos)
			if err != nil {
				return err
			}

			docID, sub, err := coordinator.Submit(ctx, source)
			if err != nil {
				return fmt.Errorf("submit: %w", err)
			}
			defer sub.Cancel()

			if !outputJSON {
				ui.Info("document %s", docID)
			}

			return watchRun(ctx, docID, sub)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Minute, "overall processing timeout")
	return cmd
}

func buildCoordinator(repos *storage.Repositories) (*ingest.Coordinator, error) {
	textractClient, err := textract.NewClient(textract.Config{
		BaseURL: cfg.Collaborators.Textract.BaseURL,
		APIKey:  cfg.Collaborators.Textract.APIKey,
		Timeout: cfg.Collaborators.Textract.Timeout,
		Limiter: collab.NewLimiter(cfg.Collaborators.Textract.MaxInFlight, cfg.Collaborators.Textract.RateLimit),
	})
	if err != nil {
		return nil, fmt.Errorf("create text-extraction client: %w", err)
	}

	layoutClient, err := layout.NewClient(layout.Config{
		BaseURL: cfg.Collaborators.Layout.BaseURL,
		APIKey:  cfg.Collaborators.Layout.APIKey,
		Timeout: cfg.Collaborators.Layout.Timeout,
		Limiter: collab.NewLimiter(cfg.Collaborators.Layout.MaxInFlight, cfg.Collaborators.Layout.RateLimit),
	})
	if err != nil {
		return nil, fmt.Errorf("create layout-detection client: %w", err)
	}

	llmClient, err := llm.NewClient(llm.Config{
		BaseURL: cfg.Collaborators.LLM.BaseURL,
		APIKey:  cfg.Collaborators.LLM.APIKey,
		Model:   cfg.Collaborators.LLM.Model,
		Timeout: cfg.Collaborators.LLM.Timeout,
		Limiter: collab.NewLimiter(cfg.Collaborators.LLM.MaxInFlight, cfg.Collaborators.LLM.RateLimit),
	})
	if err != nil {
		return nil, fmt.Errorf("create llm client: %w", err)
	}

	return ingest.NewCoordinator(
		logger,
		ingest.Config{
			TextRetryAttempts:  cfg.Ingestion.TextRetryAttempts,
			TextRetryBaseDelay: cfg.Ingestion.TextRetryBaseDelay,
			LayoutCallTimeout:  cfg.Ingestion.LayoutCallTimeout,
			InsightCallTimeout: cfg.Ingestion.InsightCallTimeout,
		},
		repos,
		monitoring.NewAuditWriter(logger, repos.Audit),
		textractClient,
		layoutClient,
		llmClient,
		func(source []byte) (ingest.PageRenderer, error) { return pdf.Open(source, cfg.Ingestion.RenderDPI) },
		grounding.NewMapper(cfg.Grounding.MinOverlap),
	), nil
}

// watchRun renders the event stream until the run finishes.
func watchRun(ctx context.Context, docID string, sub *events.Subscription) error {
	if outputJSON {
		enc := json.NewEncoder(os.Stdout)
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case evt, ok := <-sub.C:
				if !ok {
					return nil
				}
				if err := enc.Encode(evt); err != nil {
					return err
				}
			}
		}
	}

	var textBar *ui.ProgressBar
	var insightSpinner *ui.Spinner
	lastStatus := storage.StatusPending
	currentPage := -1
	failed := false

	stopSpinner := func() {
		if insightSpinner != nil {
			insightSpinner.Stop()
			insightSpinner = nil
		}
	}
	defer stopSpinner()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-sub.C:
			if !ok {
				if failed {
					return fmt.Errorf("processing failed")
				}
				return nil
			}

			if evt.Status != lastStatus {
				if evt.Status == storage.StatusInsightRunning {
					insightSpinner = ui.NewSpinner("generating insights...")
					insightSpinner.Start()
				} else {
					stopSpinner()
				}
				lastStatus = evt.Status
			}

			switch evt.Type {
			case events.TypeTextChunk:
				payload, ok := evt.Payload.(events.TextChunkPayload)
				if !ok {
					continue
				}
				if payload.Page != currentPage {
					currentPage = payload.Page
					if textBar == nil {
						textBar = ui.NewProgressBar(-1, "extracting text")
					}
					textBar.Set(int64(payload.Page + 1))
				}

			case events.TypeLayoutReady:
				if textBar != nil {
					textBar.Finish()
					textBar = nil
				}
				if payload, ok := evt.Payload.(events.LayoutReadyPayload); ok {
					ui.Info("page %d: %d layout elements", payload.Page, len(payload.Elements))
				}

			case events.TypeInsightReady:
				if payload, ok := evt.Payload.(events.InsightReadyPayload); ok && payload.Insight != nil {
					ui.Success("insight ready: %s", payload.Insight.Kind)
				}

			case events.TypeGroundingUpdated:
				if payload, ok := evt.Payload.(events.GroundingUpdatedPayload); ok {
					ui.Info("grounded %d/%d citations of insight %s", payload.Resolved, payload.Total, payload.InsightID)
				}

			case events.TypeStageFailed:
				payload, ok := evt.Payload.(events.StageFailedPayload)
				if !ok {
					continue
				}
				if payload.Fatal {
					failed = true
					ui.Error("%s stage failed: %s", payload.Stage, payload.Reason)
				} else if payload.Page != nil {
					ui.Warning("page %d: %s (%s stage)", *payload.Page, payload.Reason, payload.Stage)
				} else if payload.Kind != "" {
					ui.Warning("insight %s skipped: %s", payload.Kind, payload.Reason)
				}

			case events.TypeComplete:
				if textBar != nil {
					textBar.Finish()
					textBar = nil
				}
				stopSpinner()
				if payload, ok := evt.Payload.(events.CompletePayload); ok {
					ui.Success("complete: %d pages (%d failed), %d elements, %d insights",
						payload.Pages, payload.FailedPages, payload.Elements, payload.Insights)
				}
			}
		}
	}
}
