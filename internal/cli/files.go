package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"docchat/internal/config"
	"docchat/internal/storage"
)

func newFilesCmd(load func() (*config.Config, error)) *cobra.Command {
	files := &cobra.Command{
		Use:   "files",
		Short: "Inspect the uploaded document list",
	}

	var asJSON bool
	list := &cobra.Command{
		Use:   "list",
		Short: "Print the uploaded documents in upload order",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			store, err := storage.OpenFileStore(cfg, nil)
			if err != nil {
				return fmt.Errorf("open file store: %w", err)
			}
			defer store.Close()

			items, err := store.List(cmd.Context())
			if err != nil {
				return fmt.Errorf("list files: %w", err)
			}
			out := cmd.OutOrStdout()
			if asJSON {
				data, err := json.MarshalIndent(items, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(data))
				return nil
			}
			if len(items) == 0 {
				fmt.Fprintln(out, "No uploaded files.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "INDEX\tNAME\tTYPE\tSIZE\tUPLOADED BY\tUPLOADED AT")
			for i, f := range items {
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\n",
					i, f.FileName, f.MimeType, f.Size, f.UploadedBy, f.UploadedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	list.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	files.AddCommand(list)
	return files
}
