package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// rootOptions holds the global flags.
type rootOptions struct {
	ConfigPath string
	Format     string // "text" | "json"
	Verbose    bool
}

var validFormats = []string{"text", "json"}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "secretariat",
		Short: "Recurring reminder scheduler",
		Long: `secretariat stores recurring reminders and delivers each occurrence
to its channel (telegram, web push or log), once, at the right local time.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range validFormats {
				if f == opts.Format {
					return nil
				}
			}
			return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "./config.yaml", "path to config (json or yaml)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging for one-shot commands")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newTaskCommand(opts))
	cmd.AddCommand(newRuleCommand(opts))
	return cmd
}

// emit writes v as indented JSON, or text() in text mode.
func emit(w io.Writer, opts *rootOptions, v any, text func() string) error {
	if opts.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	_, err := fmt.Fprintln(w, text())
	return err
}
