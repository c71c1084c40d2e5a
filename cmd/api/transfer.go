package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"attestation-ledger/config"
)

func exportCommand(cfg *config.Config) *cobra.Command {
	var (
		since   int64
		out     string
		full    bool
		display bool
	)
	c := &cobra.Command{
		Use:   "export",
		Short: "Writes a transfer file, or displays sync records, for transactions newer than --since",
		RunE: func(c *cobra.Command, _ []string) error {
			log, err := newLogger(cfg.Debug)
			if err != nil {
				return err
			}
			defer log.Sync()

			svc, cleanup, err := openService(cfg, log, nil)
			if err != nil {
				return err
			}
			defer cleanup()

			if display {
				pkg, err := svc.PrepareSync(since)
				if err != nil {
					return err
				}
				fmt.Fprintf(c.ErrOrStderr(), "sync %s: %d transactions in %d records\n", pkg.SyncID, pkg.Transactions, len(pkg.Records))
				return svc.Transmit(c.Context(), pkg.Records, &textRenderer{out: c.OutOrStdout(), status: c.ErrOrStderr()})
			}

			data, err := svc.ExportFile(since, full)
			if err != nil {
				return err
			}
			if out == "" || out == "-" {
				_, err = c.OutOrStdout().Write(data)
				return err
			}
			if err := os.WriteFile(out, data, 0644); err != nil {
				return fmt.Errorf("write %s: %w", out, err)
			}
			log.Info("transfer file written", zap.String("path", out), zap.Int("bytes", len(data)))
			return nil
		},
	}
	flags := c.Flags()
	flags.Int64Var(&since, "since", 0, "unix millisecond timestamp; only newer transactions are exported")
	flags.StringVar(&out, "out", "", "output file (default stdout)")
	flags.BoolVar(&full, "full", false, "write a compressed full backup instead of a diff")
	flags.BoolVar(&display, "display", false, "cycle sync records on stdout instead of writing a file")
	return c
}

func importCommand(cfg *config.Config) *cobra.Command {
	var (
		in      string
		records string
	)
	c := &cobra.Command{
		Use:   "import",
		Short: "Merges a transfer file or a list of scanned sync records",
		RunE: func(c *cobra.Command, _ []string) error {
			if (in == "") == (records == "") {
				return fmt.Errorf("exactly one of --in or --records is required")
			}
			log, err := newLogger(cfg.Debug)
			if err != nil {
				return err
			}
			defer log.Sync()

			svc, cleanup, err := openService(cfg, log, nil)
			if err != nil {
				return err
			}
			defer cleanup()

			if in != "" {
				data, err := os.ReadFile(in)
				if err != nil {
					return fmt.Errorf("read %s: %w", in, err)
				}
				_, summary, err := svc.ImportFile(data)
				if err != nil {
					return err
				}
				fmt.Fprintln(c.OutOrStdout(), summary)
				return nil
			}

			f, err := os.Open(records)
			if err != nil {
				return fmt.Errorf("open %s: %w", records, err)
			}
			defer f.Close()

			result, err := svc.Receive(c.Context(), newLineScanner(f))
			if err != nil {
				return err
			}
			fmt.Fprintln(c.OutOrStdout(), result.Summary)
			return nil
		},
	}
	flags := c.Flags()
	flags.StringVar(&in, "in", "", "transfer file to merge")
	flags.StringVar(&records, "records", "", "file with one scanned sync record per line")
	return c
}

// textRenderer prints each record on its own line of out, so the output
// can be fed back to import --records.
type textRenderer struct {
	out    io.Writer
	status io.Writer
}

func (r *textRenderer) Render(_ context.Context, record string, index, total int) error {
	fmt.Fprintf(r.status, "record %d/%d\n", index+1, total)
	_, err := fmt.Fprintln(r.out, record)
	return err
}

// lineScanner reads records from a text stream, skipping blank lines.
type lineScanner struct {
	sc *bufio.Scanner
}

func newLineScanner(r io.Reader) *lineScanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &lineScanner{sc: sc}
}

func (s *lineScanner) Scan(ctx context.Context) (string, error) {
	for s.sc.Scan() {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if line := strings.TrimSpace(s.sc.Text()); line != "" {
			return line, nil
		}
	}
	if err := s.sc.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}
