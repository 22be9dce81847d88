package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mbox-drill/mbox"
	"github.com/dhcgn/mbox-drill/query"
)

var exportCmd = &cobra.Command{
	Use:   "export <index file> <mbox file> <output mbox>",
	Short: "Write the messages matching the filters to a new mbox",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, logger, cleanup, err := prepare(cmd)
		if err != nil {
			return err
		}
		defer func() {
			_ = cleanup()
		}()
		force, err := cmd.Flags().GetBool("force")
		if err != nil {
			return err
		}

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		f := filterFromFlags(cmd)
		n, err := runExport(ctx, args[0], args[1], args[2], f, force)
		if err != nil {
			return err
		}
		logger.Debug("export finished", "messages", n, "output", args[2])
		pterm.Success.Printf("Exported %d messages to %s\n", n, args[2])
		return nil
	},
}

func init() {
	exportCmd.Flags().BoolP("force", "f", false, "Overwrite an existing output file")
	registerFilterFlags(exportCmd)
	rootCmd.AddCommand(exportCmd)
}

func registerFilterFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("label", "", "Only messages carrying this label")
	flags.String("year", "", "Only messages sent in this year (or \"unknown\")")
	flags.String("domain", "", "Only messages from this sender domain")
	flags.String("sender", "", "Only messages from this sender address")
}

func filterFromFlags(cmd *cobra.Command) query.Filter {
	flags := cmd.Flags()
	get := func(name string) string {
		v, _ := flags.GetString(name)
		return v
	}
	return query.Filter{
		Label:  get("label"),
		Year:   get("year"),
		Domain: get("domain"),
		Sender: get("sender"),
	}
}

// runExport copies the messages of the index at indexPath matching f from
// the archive at mboxPath into a new mbox at outPath.
func runExport(ctx context.Context, indexPath, mboxPath, outPath string, f query.Filter, force bool) (n int, err error) {
	engine, err := query.Open(ctx, indexPath)
	if err != nil {
		return 0, err
	}
	defer engine.Close()

	found, err := engine.Spans(ctx, f)
	if err != nil {
		return 0, err
	}
	spans := make([]mbox.Span, 0, len(found))
	for _, s := range found {
		spans = append(spans, mbox.Span{Offset: s.Offset, Length: s.Length})
	}

	src, err := os.Open(mboxPath)
	if err != nil {
		return 0, fmt.Errorf("open mbox: %w", err)
	}
	defer src.Close()

	flag := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if force {
		flag = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	out, err := os.OpenFile(outPath, flag, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return 0, fmt.Errorf("output %s already exists (use --force to replace it)", outPath)
		}
		return 0, fmt.Errorf("create output: %w", err)
	}
	defer func() {
		if cerr := out.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close output: %w", cerr)
		}
		if err != nil {
			_ = os.Remove(outPath)
		}
	}()

	buf := bufio.NewWriter(out)
	n, err = mbox.Export(ctx, src, spans, buf)
	if err != nil {
		return n, fmt.Errorf("export: %w", err)
	}
	if err := buf.Flush(); err != nil {
		return n, fmt.Errorf("write output: %w", err)
	}
	return n, nil
}
