package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/MeKo-Tech/idex/internal/pipeline"
	"github.com/MeKo-Tech/idex/internal/store"
)

var extractCmd = &cobra.Command{
	Use:   "extract [files...]",
	Short: "Extract structured data from document scans",
	Long: `Runs the extraction pipeline once over the given image or PDF
files and prints the structured record. All files belong to one
document; multi-page PDFs are split automatically.

Examples:
  idex extract passport.jpg --type passport
  idex extract front.jpg back.jpg --type driving_license --format json`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := GetConfig()
		docType, _ := cmd.Flags().GetString("type")
		format, _ := cmd.Flags().GetString("format")
		if docType == "" {
			return fmt.Errorf("--type is required")
		}

		logger := slog.Default()
		ctx := cmd.Context()

		// One-shot runs keep their working state in a throwaway store.
		dbPath := filepath.Join(os.TempDir(), fmt.Sprintf("idex-extract-%d.db", os.Getpid()))
		st, err := store.OpenSQLite(ctx, dbPath)
		if err != nil {
			return fmt.Errorf("opening scratch store: %w", err)
		}
		defer func() {
			_ = st.Close()
			_ = os.Remove(dbPath)
		}()

		registry, err := buildRegistry(cfg)
		if err != nil {
			return err
		}
		pl, cleanup, err := buildPipeline(cfg, st, registry, logger)
		if err != nil {
			return err
		}
		defer cleanup()

		sub := &store.Submission{ID: uuid.New(), DocType: docType, CreatedAt: time.Now().UTC()}
		for _, path := range args {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("reading %s: %w", path, err)
			}
			sub.Files = append(sub.Files, store.SubmissionFile{Name: filepath.Base(path), Data: data})
		}
		if err := st.CreateSubmission(ctx, sub); err != nil {
			return err
		}

		run := &store.Run{SubmissionID: sub.ID, Stage: pipeline.StagePreprocessing, Status: store.StatusQueued}
		if err := pl.Execute(ctx, run, nil); err != nil {
			return fmt.Errorf("extraction failed (%s): %w", pipeline.FailureReason(err), err)
		}

		rec, regions, err := st.GetRecord(ctx, sub.ID)
		if err != nil {
			return err
		}
		return printRecord(cmd, rec, len(regions), format)
	},
}

func printRecord(cmd *cobra.Command, rec *store.Record, regionCount int, format string) error {
	out := cmd.OutOrStdout()
	switch format {
	case "json":
		payload := map[string]any{
			"doc_type": rec.DocType,
			"fields":   rec.Fields,
			"pages":    len(rec.PageImages),
			"regions":  regionCount,
		}
		if len(rec.CatchAll) > 0 {
			additional := make([]map[string]string, 0, len(rec.CatchAll))
			for _, kv := range rec.CatchAll {
				additional = append(additional, map[string]string{"key": kv.Key, "value": kv.Value})
			}
			payload["additional_data"] = additional
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(payload)
	default:
		fmt.Fprintf(out, "Document type: %s\n", rec.DocType)
		names := make([]string, 0, len(rec.Fields))
		for name := range rec.Fields {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(out, "%s: %s\n", name, rec.Fields[name])
		}
		for _, kv := range rec.CatchAll {
			fmt.Fprintf(out, "[additional] %s: %s\n", kv.Key, kv.Value)
		}
		return nil
	}
}

func init() {
	rootCmd.AddCommand(extractCmd)
	extractCmd.Flags().StringP("type", "t", "", "document type (passport, driving_license, aadhaar_card, emirates_id, other)")
	extractCmd.Flags().StringP("format", "f", "text", "output format (text, json)")
}
