package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/datallboy/nzbstream/internal/domain"
	"github.com/datallboy/nzbstream/internal/nzb"
	"github.com/datallboy/nzbstream/internal/stream"
)

func readVolumes(path string) ([]domain.FileDescriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := nzb.NewParser().Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return nzb.Volumes(m)
}

func inspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <file.nzb>",
		Short: "List the entries of the archive in an NZB",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			vols, err := readVolumes(args[0])
			if err != nil {
				return err
			}
			a, err := buildApp(true)
			if err != nil {
				return err
			}
			defer a.Close()

			archive, err := a.Streams.Archive(ctx, args[0], vols)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSIZE\tMETHOD\tVOLUMES\tSTREAMABLE")
			for _, e := range archive.Entries {
				usable := "yes"
				if err := e.Usable(); err != nil {
					usable = err.Error()
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
					e.Name, humanize.IBytes(uint64(e.Size)), e.Method, e.VolumeCount(), usable)
			}
			return tw.Flush()
		},
	}
}

func catCmd() *cobra.Command {
	var (
		entry  string
		offset int64
		length int64
	)
	cmd := &cobra.Command{
		Use:   "cat <file.nzb>",
		Short: "Write a byte range of an archive entry to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			vols, err := readVolumes(args[0])
			if err != nil {
				return err
			}
			a, err := buildApp(true)
			if err != nil {
				return err
			}
			defer a.Close()

			sess, err := a.Streams.OpenSession(ctx, filepath.Clean(args[0]), vols, entry)
			if err != nil {
				return err
			}
			if offset < 0 || offset > sess.TotalSize() {
				return fmt.Errorf("offset %d: %w", offset, stream.ErrOutOfRange)
			}

			r := sess.NewReader(ctx)
			if _, err := r.Seek(offset, io.SeekStart); err != nil {
				return err
			}
			var src io.Reader = r
			if length > 0 {
				src = io.LimitReader(r, length)
			}
			n, err := io.Copy(cmd.OutOrStdout(), src)
			a.Logger.Info("Wrote %s of %s", humanize.IBytes(uint64(n)), sess.Entry().Name)
			return err
		},
	}
	cmd.Flags().StringVarP(&entry, "entry", "e", "", "entry to read (default: the main video)")
	cmd.Flags().Int64Var(&offset, "offset", 0, "first byte to write")
	cmd.Flags().Int64Var(&length, "length", 0, "number of bytes to write (0 reads to the end)")
	return cmd
}
