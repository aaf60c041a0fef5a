package main

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"notekeep/internal/client"
	"notekeep/internal/core"
)

func newUploadCmd(opts *clientOptions) *cobra.Command {
	var annotation string

	cmd := &cobra.Command{
		Use:   "upload <path>...",
		Short: "Upload a file, or zip several paths into one archive note",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := opts.uploader()
			if err != nil {
				return err
			}

			parsed, err := core.ParseArgs(args)
			if err != nil {
				return err
			}
			tree, err := core.BuildFiletree(parsed)
			if err != nil {
				return fmt.Errorf("building file tree: %w", err)
			}

			payload, err := core.NewPayload(tree, "")
			if err != nil {
				return err
			}
			defer payload.Close()

			if payload.Mode == core.ModeArchive {
				if err := writePlain("Bundled %d files (%s) into %s (%s)\n",
					payload.Files, humanize.IBytes(uint64(tree.UncompressedSize())),
					payload.Name, humanize.IBytes(uint64(payload.Size))); err != nil {
					return err
				}
			}

			res, err := u.Upload(cmd.Context(), payload.Name, payload.File, payload.Size, payload.Mode, annotation)
			if err != nil {
				return err
			}
			return writeResult(res)
		},
	}

	cmd.Flags().StringVarP(&annotation, "note", "n", "", "text to attach to the note")
	return cmd
}

func newNoteCmd(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "note <text>...",
		Short: "Store a text note",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := opts.uploader()
			if err != nil {
				return err
			}
			note, err := u.CreateText(cmd.Context(), strings.Join(args, " "), "")
			if err != nil {
				return err
			}
			return writePlain("Created note %s\n", note.ID)
		},
	}
}

func writeResult(res *client.Result) error {
	if res.Duplicate {
		if res.Artifact != nil {
			if err := writePlain("Already stored as %s\n", res.Artifact.Name); err != nil {
				return err
			}
		} else if err := writePlain("Everything in this upload is already stored\n"); err != nil {
			return err
		}
	}

	if res.Note != nil {
		var total int64
		for _, f := range res.Note.Files {
			total += f.Size
		}
		if err := writePlain("Created %s note %s (%d files, %s)\n",
			res.Note.Type, res.Note.ID, len(res.Note.Files), humanize.IBytes(uint64(total))); err != nil {
			return err
		}
	}

	for _, s := range res.Skipped {
		if err := writePlain("  skipped %s: %s\n", s.Name, s.Reason); err != nil {
			return err
		}
	}
	return nil
}
