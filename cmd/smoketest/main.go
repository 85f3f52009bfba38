// Command smoketest runs one photo through the whole generation pipeline
// against the configured image API, without Postgres or Redis, and writes
// every resulting image to a directory.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"shaggydog/internal/config"
	"shaggydog/internal/imageproc"
	"shaggydog/internal/logger"
	"shaggydog/internal/mirror"
	"shaggydog/internal/models"
	"shaggydog/internal/pipeline"
	"shaggydog/internal/store"
	"shaggydog/internal/synthesis"
)

var (
	photoPath string
	outDir    string
	apiKey    string
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:          "smoketest",
	Short:        "Run a headshot through breed detection, two edits and a generation",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVarP(&photoPath, "photo", "p", "", "Path to the headshot (required)")
	rootCmd.Flags().StringVarP(&outDir, "out", "o", "./smoketest-out", "Directory for the resulting images")
	rootCmd.Flags().StringVar(&apiKey, "api-key", "", "Image API key (overrides OPENAI_API_KEY)")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Development logging")

	if err := rootCmd.MarkFlagRequired("photo"); err != nil {
		panic(fmt.Sprintf("failed to mark photo flag as required: %v", err))
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg := config.Load()
	if apiKey != "" {
		cfg.OpenAIAPIKey = apiKey
	}

	mode := "prod"
	if verbose {
		mode = "dev"
	}
	log, err := logger.New(mode)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	data, err := os.ReadFile(photoPath)
	if err != nil {
		return fmt.Errorf("read photo: %w", err)
	}
	info, err := imageproc.Inspect(data)
	if err != nil {
		return err
	}

	st := store.NewMemory()
	job, err := st.CreateJob(ctx, "smoketest")
	if err != nil {
		return err
	}
	if _, err := st.AddAsset(ctx, job.ID, models.KindOriginal, info.MimeType, data); err != nil {
		return err
	}

	out := mirror.New(&mirror.LocalUploader{BaseDir: outDir}, "")
	if _, err := out.Put(ctx, job.ID, models.KindOriginal, info.MimeType, data); err != nil {
		return fmt.Errorf("write original: %w", err)
	}
	orch := pipeline.New(cfg.Pipeline(), st, synthesis.New(cfg.Synthesis()), log, pipeline.WithMirror(out))
	orch.Run(ctx, pipeline.Task{JobID: job.ID, OwnerToken: "smoketest"})

	return report(ctx, cmd, st, job.ID)
}

func report(ctx context.Context, cmd *cobra.Command, st *store.Memory, jobID string) error {
	job, err := st.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	breed := "-"
	if job.Breed != nil {
		breed = *job.Breed
	}
	fmt.Fprintf(w, "job      %s\nstatus   %s\nbreed    %s\n", job.ID, job.Status, breed)

	assets, err := st.ListAssets(ctx, jobID)
	if err != nil {
		return err
	}
	for _, a := range assets {
		fmt.Fprintf(w, "%-8s %s (%d bytes)\n", a.Kind, mirror.Key("", jobID, a.Kind, a.MimeType), len(a.Data))
	}
	if job.Status != models.StatusDone {
		msg := "unknown"
		if job.ErrorMessage != nil {
			msg = *job.ErrorMessage
		}
		return fmt.Errorf("generation failed: %s", msg)
	}
	return nil
}
