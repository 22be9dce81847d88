package cmd

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/dhcgn/mbox-drill/config"
	"github.com/dhcgn/mbox-drill/index"
	"github.com/dhcgn/mbox-drill/query"
)

var summaryCmd = &cobra.Command{
	Use:   "summary <index file>",
	Short: "Show the top labels, years, domains and senders of an index",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, cleanup, err := prepare(cmd)
		if err != nil {
			return err
		}
		defer func() {
			_ = cleanup()
		}()
		cfg.Summary.IndexPath = args[0]
		f := filterFromFlags(cmd)

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		engine, err := query.Open(ctx, cfg.Summary.IndexPath)
		if err != nil {
			return err
		}
		defer engine.Close()

		pterm.DefaultSection.Println("Index " + cfg.Summary.IndexPath)
		if err := printRuns(ctx, engine); err != nil {
			return err
		}
		if err := printSummary(ctx, engine, f, cfg.Summary.Top); err != nil {
			return err
		}
		if f == (query.Filter{}) {
			if err := printLabels(ctx, engine); err != nil {
				return err
			}
		}

		if cfg.Summary.Output == "" {
			return nil
		}
		if _, err := saveCSVReports(ctx, engine, f, cfg.Summary.Output, cfg.Summary.CSVLimit); err != nil {
			return fmt.Errorf("error saving CSV reports: %w", err)
		}
		pterm.Info.Printf("Reports saved to directory: %s\n", cfg.Summary.Output)
		return nil
	},
}

func init() {
	config.RegisterSummaryFlags(summaryCmd)
	registerFilterFlags(summaryCmd)
	rootCmd.AddCommand(summaryCmd)
}

// breakouter is the part of query.Engine the summary reads.
type breakouter interface {
	Breakout(ctx context.Context, dim query.Dimension, f query.Filter, limit int) ([]query.Row, error)
	Totals(ctx context.Context, f query.Filter) (query.Totals, error)
}

func printRuns(ctx context.Context, engine *query.Engine) error {
	runs, err := engine.Runs(ctx)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		pterm.Warning.Println("No ingestion run recorded")
		return nil
	}
	last := runs[0]
	pterm.Info.Printf("Source: %s\n", last.Source)
	pterm.Info.Printf("Indexed %s (%s)\n", humanize.Time(last.StartedAt), last.Status)
	if last.Status != index.RunCompleted {
		pterm.Warning.Printf("The last run did not complete; the index may be partial\n")
	}
	return nil
}

func printSummary(ctx context.Context, q breakouter, f query.Filter, top int) error {
	p := message.NewPrinter(language.English)

	totals, err := q.Totals(ctx, f)
	if err != nil {
		return err
	}
	pterm.Info.Println(p.Sprintf("%d messages, %s", totals.Messages, humanize.Bytes(uint64(totals.Size))))

	for _, dim := range query.Dimensions {
		if f.Get(dim) != "" {
			continue
		}
		rows, err := q.Breakout(ctx, dim, f, top)
		if err != nil {
			return err
		}
		pterm.DefaultSection.WithLevel(2).Printf("Top %d %s\n", top, dim)
		if err := pterm.DefaultTable.WithHasHeader().WithData(topTable(p, rows)).Render(); err != nil {
			return err
		}
	}
	return nil
}

// printLabels lists every label with its kind and IMAP role.
func printLabels(ctx context.Context, engine *query.Engine) error {
	all, err := engine.Labels(ctx)
	if err != nil {
		return err
	}
	data := pterm.TableData{{"Label", "Kind", "Role", "Count"}}
	for _, l := range all {
		data = append(data, []string{l.Name, l.Kind, l.Role, strconv.FormatInt(l.Count, 10)})
	}
	pterm.DefaultSection.WithLevel(2).Println("Labels")
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func topTable(p *message.Printer, rows []query.Row) pterm.TableData {
	data := pterm.TableData{{"#", "Value", "Count", "Size"}}
	for i, row := range rows {
		data = append(data, []string{
			strconv.Itoa(i + 1),
			row.Display,
			p.Sprintf("%d", row.Count),
			humanize.Bytes(uint64(row.Size)),
		})
	}
	return data
}

// saveCSVReports writes report_<dimension>.csv for every dimension into dir
// and returns the written paths.
func saveCSVReports(ctx context.Context, q breakouter, f query.Filter, dir string, limit int) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	var paths []string
	for _, dim := range query.Dimensions {
		rows, err := q.Breakout(ctx, dim, f, limit)
		if err != nil {
			return paths, err
		}
		filePath := filepath.Join(dir, fmt.Sprintf("report_%s.csv", normalizeName(string(dim))))
		if err := writeCSV(filePath, rows); err != nil {
			return paths, err
		}
		paths = append(paths, filePath)
	}
	return paths, nil
}

func writeCSV(path string, rows []query.Row) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"Value", "Count", "Size"}); err != nil {
		return err
	}
	for _, row := range rows {
		record := []string{
			row.Display,
			strconv.FormatInt(row.Count, 10),
			strconv.FormatInt(row.Size, 10),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Close()
}

func normalizeName(name string) string {
	// Convert to lowercase and replace invalid filename chars
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, "-", "_")
	name = strings.ReplaceAll(name, " ", "_")
	return name
}
