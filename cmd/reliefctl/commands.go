package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"

	"github.com/linnemanlabs/reliefdesk/internal/aggregate"
	"github.com/linnemanlabs/reliefdesk/internal/extract"
	"github.com/linnemanlabs/reliefdesk/internal/taxonomy"
)

func newExtractCmd(opts *options) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "extract <text>",
		Short: "Extract supplies, locations and vulnerable groups from one report",
		Long: `Extract prints the structured result for a single report as JSON.

Examples:
  reliefctl extract "Need 20 blankets at the shelter"
  reliefctl extract --id inc-42 "water needed for 30 elderly at the hospital"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tax, err := opts.taxonomy()
			if err != nil {
				return err
			}
			text := strings.Join(args, " ")
			if id == "" {
				id = "adhoc-" + ulid.Make().String()
			}
			res, ok := extract.New(tax).Extract(cmd.Context(), extract.Input{IncidentID: id, Text: text}, extract.Options{})
			if !ok {
				return errors.New("nothing to extract: text is empty")
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "incident id (default: generated)")
	return cmd
}

func newAggregateCmd(opts *options) *cobra.Command {
	var (
		file    string
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Aggregate an incident file into supply, group and location tables",
		Long: `Aggregate extracts every incident in a JSON array file and prints the
supply needs, vulnerable groups and locations tables.

Examples:
  reliefctl aggregate -f incidents.json
  reliefctl aggregate -f incidents.json --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireFile(file); err != nil {
				return err
			}
			results, tax, err := opts.extractFile(cmd.Context(), cmd, file)
			if err != nil {
				return err
			}
			needs := aggregate.SupplyNeeds(results)
			groups := aggregate.VulnerableGroups(results, tax)
			locs := aggregate.ByLocation(results)

			if jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{
					"supply_needs":      needs,
					"vulnerable_groups": groups,
					"locations":         locs,
				})
			}
			p := opts.printer(cmd)
			if err := printSupplies(p, needs); err != nil {
				return err
			}
			if err := printGroups(p, groups); err != nil {
				return err
			}
			return printLocations(p, locs)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "incidents JSON file (- for stdin)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output as JSON")
	return cmd
}

func newExportCmd(opts *options) *cobra.Command {
	var file, out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the supply needs table as CSV",
		Long: `Export extracts an incident file and writes the supply needs as CSV.

Examples:
  reliefctl export -f incidents.json -o supplies.csv
  reliefctl export -f incidents.json          # CSV to stdout`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireFile(file); err != nil {
				return err
			}
			results, _, err := opts.extractFile(cmd.Context(), cmd, file)
			if err != nil {
				return err
			}
			needs := aggregate.SupplyNeeds(results)

			if out == "" || out == "-" {
				return aggregate.WriteCSV(cmd.OutOrStdout(), needs)
			}
			f, err := os.Create(out) //nolint:gosec // path is a CLI argument
			if err != nil {
				return fmt.Errorf("creating %s: %w", out, err)
			}
			if err := aggregate.WriteCSV(f, needs); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("closing %s: %w", out, err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d supply needs to %s\n", len(needs), out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "incidents JSON file (- for stdin)")
	cmd.Flags().StringVarP(&out, "output", "o", "", "CSV output path (default: stdout)")
	return cmd
}

func newTaxonomyCmd(opts *options) *cobra.Command {
	var domain string
	cmd := &cobra.Command{
		Use:   "taxonomy",
		Short: "Show the loaded keyword taxonomy",
		Long: `Taxonomy lists every subcategory with its priority and keywords.

Examples:
  reliefctl taxonomy
  reliefctl taxonomy --domain supplies
  reliefctl taxonomy --taxonomy-file custom.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tax, err := opts.taxonomy()
			if err != nil {
				return err
			}
			domains := taxonomy.Domains
			if domain != "" {
				d := taxonomy.Domain(domain)
				if len(tax.Entries(d)) == 0 {
					return fmt.Errorf("unknown domain %q", domain)
				}
				domains = []taxonomy.Domain{d}
			}
			p := opts.printer(cmd)
			for _, d := range domains {
				p.Header(string(d))
				var rows [][]string
				for _, e := range tax.Entries(d) {
					rows = append(rows, []string{e.Subcategory, p.Priority(e.Priority), e.Icon, strings.Join(e.Keywords, ", ")})
				}
				if err := p.Table([]string{"SUBCATEGORY", "PRIORITY", "ICON", "KEYWORDS"}, rows); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&domain, "domain", "", "only show one domain (supplies|locations|vulnerable_groups)")
	return cmd
}

func printSupplies(p *printer, needs []aggregate.SupplyNeed) error {
	p.Header("Supply needs")
	rows := make([][]string, 0, len(needs))
	for _, n := range needs {
		unit := ""
		if n.Unit != nil {
			unit = *n.Unit
		}
		rows = append(rows, []string{
			n.Icon + " " + n.Item,
			n.Category,
			strconv.Itoa(n.TotalQuantity),
			unit,
			p.Priority(n.Priority),
			strconv.Itoa(n.IncidentCount),
		})
	}
	return p.Table([]string{"ITEM", "CATEGORY", "QUANTITY", "UNIT", "PRIORITY", "INCIDENTS"}, rows)
}

func printGroups(p *printer, groups []aggregate.VulnerableGroupSummary) error {
	p.Header("Vulnerable groups")
	rows := make([][]string, 0, len(groups))
	for _, g := range groups {
		rows = append(rows, []string{g.Group, strconv.Itoa(g.TotalCount), p.Priority(g.Priority), strconv.Itoa(g.IncidentCount)})
	}
	return p.Table([]string{"GROUP", "COUNT", "PRIORITY", "INCIDENTS"}, rows)
}

func printLocations(p *printer, locs map[string]aggregate.LocationCategorySummary) error {
	p.Header("Locations")
	types := make([]string, 0, len(locs))
	for t := range locs {
		types = append(types, t)
	}
	sort.Strings(types)

	rows := make([][]string, 0, len(types))
	for _, t := range types {
		s := locs[t]
		names := make([]string, 0, len(s.Locations))
		for _, l := range s.Locations {
			names = append(names, fmt.Sprintf("%s (%d)", l.Name, l.IncidentCount))
		}
		rows = append(rows, []string{t, strconv.Itoa(s.TotalIncidents), p.Dim(strings.Join(names, ", "))})
	}
	return p.Table([]string{"TYPE", "INCIDENTS", "NAMED"}, rows)
}
