package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"loom/pkg/config"
	"loom/pkg/store"
)

// newRecallCmd creates the "loom recall" subcommand: full-text search
// over dialogue that aged out of the pool.
func newRecallCmd() *cobra.Command {
	var rootDir string
	var limit int
	cmd := &cobra.Command{
		Use:   "recall <query>",
		Short: "Search archived dialogue",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return recall(cmd, rootDir, strings.Join(args, " "), limit)
		},
	}
	cmd.Flags().StringVar(&rootDir, "root", ".", "project root holding .loom/")
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum results")
	return cmd
}

func recall(cmd *cobra.Command, rootDir, query string, limit int) error {
	cfg, err := config.Load(rootDir)
	if err != nil {
		return err
	}
	dbPath := cfg.DBPath
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(rootDir, dbPath)
	}

	st, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	hits, err := st.SearchArchive(cmd.Context(), query, limit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(hits) == 0 {
		fmt.Fprintln(out, "no matches")
		return nil
	}
	for _, h := range hits {
		fmt.Fprintf(out, "[%s] #%d %s (%s): %s\n", h.ArchivedAt, h.DialogueIndex, h.SenderID, h.Reason, h.Content)
	}
	return nil
}
