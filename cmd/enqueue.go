package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sentryal/insar-pipeline/internal/id/uuid"
	"github.com/sentryal/insar-pipeline/internal/insar"
	ledgerpg "github.com/sentryal/insar-pipeline/internal/ledger/postgres"
)

type enqueueFlags struct {
	infrastructureID string
	referenceGranule string
	secondaryGranule string
	referenceURL     string
	secondaryURL     string
	bbox             string
	mode             string
}

// newEnqueueCmd creates the 'enqueue' subcommand, a small operator tool that
// inserts a pending job directly into the ledger.
func newEnqueueCmd() *cobra.Command {
	var flags enqueueFlags
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Insert a pending processing job into the ledger",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runEnqueue(cmd, flags)
		},
	}
	cmd.Flags().StringVar(&flags.infrastructureID, "infrastructure-id", "", "monitored asset id (required)")
	cmd.Flags().StringVar(&flags.referenceGranule, "reference-granule", "", "reference SLC granule name (required)")
	cmd.Flags().StringVar(&flags.secondaryGranule, "secondary-granule", "", "secondary SLC granule name (required)")
	cmd.Flags().StringVar(&flags.referenceURL, "reference-url", "", "reference granule download URL")
	cmd.Flags().StringVar(&flags.secondaryURL, "secondary-url", "", "secondary granule download URL")
	cmd.Flags().StringVar(&flags.bbox, "bbox", "", "bounding box as west,south,east,north (required)")
	cmd.Flags().StringVar(&flags.mode, "mode", "", "processing mode hint")
	return cmd
}

func runEnqueue(cmd *cobra.Command, flags enqueueFlags) error {
	if flags.infrastructureID == "" || flags.referenceGranule == "" || flags.secondaryGranule == "" {
		return fmt.Errorf("infrastructure-id, reference-granule and secondary-granule are required")
	}
	bbox, err := parseBBox(flags.bbox)
	if err != nil {
		return err
	}
	if cfg.DB.DSN == "" {
		return fmt.Errorf("db.dsn must be configured to enqueue jobs")
	}

	ledger, err := ledgerpg.NewLedger(cmd.Context(), ledgerpg.LedgerConfig{
		DSN:      cfg.DB.DSN,
		MaxConns: cfg.DB.MaxConns,
		MinConns: cfg.DB.MinConns,
	}, uuid.NewUUIDGenerator())
	if err != nil {
		return fmt.Errorf("connect ledger: %w", err)
	}
	defer ledger.Close()

	job, err := ledger.Create(cmd.Context(), flags.infrastructureID, insar.JobParameters{
		ReferenceGranule: flags.referenceGranule,
		SecondaryGranule: flags.secondaryGranule,
		ReferenceURL:     flags.referenceURL,
		SecondaryURL:     flags.secondaryURL,
		BBox:             bbox,
		Mode:             flags.mode,
	})
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(job); err != nil {
		return fmt.Errorf("print job: %w", err)
	}
	return nil
}

func parseBBox(s string) (insar.BoundingBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return insar.BoundingBox{}, fmt.Errorf("bbox must have four comma-separated values")
	}
	vals := make([]float64, 4)
	for i, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return insar.BoundingBox{}, fmt.Errorf("bbox value %q: %w", part, err)
		}
		vals[i] = v
	}
	bbox := insar.BoundingBox{West: vals[0], South: vals[1], East: vals[2], North: vals[3]}
	if bbox.West >= bbox.East || bbox.South >= bbox.North {
		return insar.BoundingBox{}, fmt.Errorf("bbox west/south must be less than east/north")
	}
	return bbox, nil
}
