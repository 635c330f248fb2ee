package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/phroun/anchorage"
	"github.com/phroun/anchorage/journal"
)

func newJournalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the document journal",
	}
	cmd.AddCommand(newJournalLsCmd())
	cmd.AddCommand(newJournalShowCmd())
	return cmd
}

// openJournal opens the configured journal read-only.
func openJournal(cmd *cobra.Command) (*journal.Journal, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if cfg.Journal.Path == "" {
		return nil, errors.New("no journal configured; use --journal or ANCHORAGE_JOURNAL")
	}
	return journal.Open(cfg.Journal.Path, journal.Options{Timeout: cfg.Journal.Timeout, ReadOnly: true})
}

func newJournalLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List journaled documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := openJournal(cmd)
			if err != nil {
				return err
			}
			defer j.Close()

			uids, err := j.Documents()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, uid := range uids {
				n, err := j.Len(uid)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s  %d edits\n", uid, n)
			}
			return nil
		},
	}
}

func newJournalShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <uid>",
		Short: "Show a journaled document and verify its replay",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := openJournal(cmd)
			if err != nil {
				return err
			}
			defer j.Close()

			rec, err := j.Load(args[0])
			if err != nil {
				return err
			}
			initial, err := anchorage.NewText(rec.Initial)
			if err != nil {
				return err
			}
			text, err := rec.Log.Replay(initial)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "UID:     %s\n", rec.UID)
			fmt.Fprintf(out, "Shared:  %v\n", rec.Shared)
			fmt.Fprintf(out, "Initial: %q\n", rec.Initial)
			for i, e := range rec.Log.Entries() {
				fmt.Fprintf(out, "%4d  %s  %s\n", i+1, e.ID, e.Op)
			}
			fmt.Fprintf(out, "Current: %q\n", text.String())
			return nil
		},
	}
}
