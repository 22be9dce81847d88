package cmd

import (
	"fmt"
	"net"
	"path/filepath"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mbox-drill/config"
	"github.com/dhcgn/mbox-drill/query"
	"github.com/dhcgn/mbox-drill/report"
)

var reportCmd = &cobra.Command{
	Use:   "report <index file>",
	Short: "Serve the drill-down report of an index over HTTP",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, cleanup, err := prepare(cmd)
		if err != nil {
			return err
		}
		defer func() {
			_ = cleanup()
		}()
		cfg.Report.IndexPath = args[0]

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		engine, err := query.Open(ctx, cfg.Report.IndexPath)
		if err != nil {
			return err
		}
		defer engine.Close()

		srv, err := report.New(engine, report.Options{
			Source:         filepath.Base(cfg.Report.IndexPath),
			Top:            cfg.Report.Top,
			RequestTimeout: cfg.Report.RequestTimeout,
		}, logger)
		if err != nil {
			return err
		}

		ln, err := net.Listen("tcp", cfg.Report.Addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", cfg.Report.Addr, err)
		}
		pterm.Success.Printf("Started server on http://%s/\n", ln.Addr())
		return srv.Serve(ctx, ln)
	},
}

func init() {
	config.RegisterReportFlags(reportCmd)
	rootCmd.AddCommand(reportCmd)
}
