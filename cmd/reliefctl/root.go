package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/reliefdesk/internal/extract"
	"github.com/linnemanlabs/reliefdesk/internal/pipeline"
	"github.com/linnemanlabs/reliefdesk/internal/taxonomy"
)

// options are the flags shared by every command.
type options struct {
	taxonomyFile string
	noColor      bool
	concurrency  int
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "reliefctl",
		Short: "Extract relief needs from incident reports",
		Long: `reliefctl runs the reliefdesk keyword extractor and aggregator locally.

Example usage:
  reliefctl extract "Need 150 food packets at Lincoln School"
  reliefctl aggregate -f incidents.json
  reliefctl export -f incidents.json -o supplies.csv
  reliefctl taxonomy`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.taxonomyFile, "taxonomy-file", "", "YAML taxonomy overriding the embedded one")
	root.PersistentFlags().BoolVar(&opts.noColor, "no-color", false, "disable colored output")
	root.PersistentFlags().IntVar(&opts.concurrency, "concurrency", pipeline.DefaultConcurrency, "parallel extractions")

	root.AddCommand(
		newExtractCmd(opts),
		newAggregateCmd(opts),
		newExportCmd(opts),
		newTaxonomyCmd(opts),
	)
	return root
}

func (o *options) taxonomy() (*taxonomy.Taxonomy, error) {
	tax, err := taxonomy.LoadFile(o.taxonomyFile)
	if err != nil {
		return nil, fmt.Errorf("loading taxonomy: %w", err)
	}
	return tax, nil
}

func (o *options) printer(cmd *cobra.Command) *printer {
	return newPrinter(cmd.OutOrStdout(), !o.noColor && colorsWanted())
}

// extractFile reads a JSON incident array from path ("-" for stdin) and
// extracts every incident with a description.
func (o *options) extractFile(ctx context.Context, cmd *cobra.Command, path string) ([]*extract.Result, *taxonomy.Taxonomy, error) {
	tax, err := o.taxonomy()
	if err != nil {
		return nil, nil, err
	}

	in := cmd.InOrStdin()
	if path != "-" {
		f, err := os.Open(path) //nolint:gosec // path is a CLI argument
		if err != nil {
			return nil, nil, fmt.Errorf("opening incidents: %w", err)
		}
		defer func() { _ = f.Close() }()
		in = f
	}

	incidents, err := pipeline.DecodeIncidents(in)
	if err != nil {
		return nil, nil, err
	}
	if err := pipeline.ValidateIncidents(incidents); err != nil {
		return nil, nil, err
	}

	x := extract.New(tax)
	aligned, err := pipeline.ExtractAll(ctx, x, incidents, o.concurrency, extract.Options{})
	if err != nil {
		return nil, nil, err
	}
	results := make([]*extract.Result, 0, len(aligned))
	for _, r := range aligned {
		if r != nil {
			results = append(results, r)
		}
	}
	log.FromContext(ctx).Info(ctx, "incidents extracted", "received", len(incidents), "extracted", len(results))
	return results, tax, nil
}

func requireFile(path string) error {
	if path == "" {
		return fmt.Errorf("an incidents file is required (-f, or -f - for stdin)")
	}
	return nil
}
