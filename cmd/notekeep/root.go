package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"notekeep/internal/client"
)

type clientOptions struct {
	server    string
	token     string
	owner     string
	chunkSize string
	parallel  int
}

func newRootCmd() *cobra.Command {
	opts := &clientOptions{}

	cmd := &cobra.Command{
		Use:           "notekeep",
		Short:         "Upload files and notes to a notekeep server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.server, "server", envOr("NOTEKEEP_URL", "http://localhost:8080"), "server base URL")
	flags.StringVar(&opts.token, "token", os.Getenv("NOTEKEEP_TOKEN"), "bearer token identifying the owner")
	flags.StringVar(&opts.owner, "owner", os.Getenv("NOTEKEEP_OWNER"), "owner id, for servers trusting X-Owner-ID")
	flags.StringVar(&opts.chunkSize, "chunk-size", "8MiB", "upload part size")
	flags.IntVar(&opts.parallel, "parallel", client.DefaultParallel, "parts sent concurrently")

	cmd.AddCommand(
		newUploadCmd(opts),
		newNoteCmd(opts),
		newTokenCmd(),
		newSweepCmd(),
		newMigrateCmd(),
	)

	return cmd
}

func (o *clientOptions) uploader() (*client.Uploader, error) {
	size, err := humanize.ParseBytes(o.chunkSize)
	if err != nil || size == 0 {
		return nil, fmt.Errorf("invalid --chunk-size %q", o.chunkSize)
	}
	if o.parallel < 1 {
		return nil, fmt.Errorf("--parallel must be at least 1, got %d", o.parallel)
	}
	if o.token == "" && o.owner == "" {
		return nil, fmt.Errorf("one of --token or --owner is required")
	}

	u := client.NewUploader(o.server)
	u.Token = o.token
	u.Owner = o.owner
	u.ChunkSize = int64(size)
	u.Parallel = o.parallel
	return u, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func writePlain(format string, args ...any) error {
	_, err := fmt.Fprintf(os.Stdout, format, args...)
	return err
}
