package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/basket/taskforge/internal/config"
	"github.com/basket/taskforge/internal/persistence"
)

// runStatusCommand inspects the queue database directly, so it works
// whether or not a daemon is running against it.
func runStatusCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "emit channel summaries as JSON")
	_ = fs.Parse(args)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		return 1
	}
	defer store.Close()

	summaries, err := store.ChannelSummaries(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read status: %v\n", err)
		return 1
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(summaries); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		return 0
	}

	printChannelSummaries(os.Stdout, summaries)
	return 0
}

func printChannelSummaries(w io.Writer, summaries []persistence.ChannelSummary) {
	if len(summaries) == 0 {
		fmt.Fprintln(w, "no channels")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CHANNEL\tSTATE\tQUEUED\tREPOSITORY\tPRINCIPAL")
	for _, s := range summaries {
		state := "idle"
		if s.Processing {
			state = "processing"
		}
		repo := s.RepoURL
		if repo == "" {
			repo = "-"
		}
		principal := s.Principal
		if principal == "" {
			principal = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", s.ChannelID, state, s.Depth, repo, principal)
	}
	_ = tw.Flush()
}
