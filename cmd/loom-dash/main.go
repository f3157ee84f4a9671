// Package main implements the loom-dash dashboard: a live view over
// the runtime database's event log and component snapshots.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"

	"loom/pkg/store"
)

func main() {
	var dbPath string
	var robot bool
	flag.StringVar(&dbPath, "db", filepath.Join(".loom", "state.db"), "runtime database path")
	flag.BoolVar(&robot, "robot", false, "print a JSON snapshot and exit")
	flag.Parse()

	// Non-TTY consumers (scripts, agents) get the JSON snapshot even
	// without asking.
	if robot || !isatty.IsTerminal(os.Stdout.Fd()) {
		if err := printSnapshot(os.Stdout, dbPath); err != nil {
			fmt.Fprintf(os.Stderr, "loom-dash: %v\n", err)
			os.Exit(1)
		}
		return
	}

	p := tea.NewProgram(newModel(dbPath), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running dashboard: %v\n", err)
		os.Exit(1)
	}
}

// printSnapshot writes the machine-readable dashboard state.
func printSnapshot(w io.Writer, dbPath string) error {
	r, err := store.OpenReader(dbPath)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	ctx := context.Background()
	sum, err := r.Summary(ctx)
	if err != nil {
		return err
	}
	events, err := r.RecentEvents(ctx, 50)
	if err != nil {
		return err
	}
	topics, err := r.RecentTopics(ctx, 10)
	if err != nil {
		return err
	}

	snapshot := map[string]any{
		"summary": sum,
		"events":  events,
		"topics":  topics,
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
