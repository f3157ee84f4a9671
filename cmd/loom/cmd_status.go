package main

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"loom/pkg/config"
	"loom/pkg/store"
)

// newStatusCmd creates the "loom status" subcommand.
func newStatusCmd() *cobra.Command {
	var rootDir string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show persisted queue, pool, and topic state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd, rootDir)
		},
	}
	cmd.Flags().StringVar(&rootDir, "root", ".", "project root holding .loom/")
	return cmd
}

func showStatus(cmd *cobra.Command, rootDir string) error {
	cfg, err := config.Load(rootDir)
	if err != nil {
		return err
	}
	dbPath := cfg.DBPath
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(rootDir, dbPath)
	}

	r, err := store.OpenReader(dbPath)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	ctx := cmd.Context()
	sum, err := r.Summary(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "events: %d\n", sum.EventCount)
	fmt.Fprintln(out, "tasks:")
	printCounts(cmd, sum.TaskCounts)
	fmt.Fprintln(out, "dialogue:")
	printCounts(cmd, sum.DialogueCounts)

	topics, err := r.RecentTopics(ctx, 10)
	if err != nil {
		return err
	}
	if len(topics) > 0 {
		fmt.Fprintln(out, "recent topics:")
		for _, tr := range topics {
			fmt.Fprintf(out, "  %s  %s\n", tr.CompletedAt, tr.TopicID)
		}
	}
	return nil
}

func printCounts(cmd *cobra.Command, counts map[string]int) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(cmd.OutOrStdout(), "  %-10s %d\n", k, counts[k])
	}
}
