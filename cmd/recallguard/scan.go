package main

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/conorfennell/recallguard/internal/parser"
)

// scanCmd previews what sync would import from a directory without touching
// the database.
func (a *app) scanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan <dir>",
		Short: "Report the Q:/A: questions found in a directory's markdown files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var files, questions, withoutMarkup int
			var errs []error

			err := filepath.WalkDir(args[0], func(path string, d fs.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if d.IsDir() || !strings.EqualFold(filepath.Ext(d.Name()), ".md") {
					return nil
				}
				files++
				f, err := os.Open(path)
				if err != nil {
					errs = append(errs, err)
					return nil
				}
				defer f.Close()
				drafts, err := parser.Parse(f)
				if err != nil {
					errs = append(errs, fmt.Errorf("error parsing %s: %w", path, err))
				}
				if len(drafts) == 0 {
					withoutMarkup++
				}
				questions += len(drafts)
				return nil
			})
			if err != nil {
				return fmt.Errorf("error walking directory %s: %w", args[0], err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Found %d notes, %d questions, %d notes without markup, %d errors.\n",
				files, questions, withoutMarkup, len(errs))
			for _, e := range errs {
				fmt.Fprintf(out, "- %s\n", e)
			}
			return nil
		},
	}
}
