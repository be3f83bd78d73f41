package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/pitabwire/lifecycle/internal/workflow"
	"github.com/pitabwire/lifecycle/model"
)

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "history <entity-type> <entity-id>",
		Short: "Print the audit trail of an entity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := entityRef(opts, args)
			if err != nil {
				return err
			}
			store, closeStore, err := openStore(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeStore()

			entries, err := store.History(cmd.Context(), ref)
			if err != nil {
				return err
			}
			workflow.SortEntries(entries)

			out := cmd.OutOrStdout()
			if asJSON {
				return writeEntriesJSON(out, entries)
			}
			if len(entries) == 0 {
				fmt.Fprintln(out, "No audit entries found.")
				return nil
			}
			for _, e := range entries {
				writeEntry(out, e)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON array")
	return cmd
}

func entityRef(opts *rootOptions, args []string) (model.EntityRef, error) {
	if opts.org == "" {
		return model.EntityRef{}, errors.New("--org is required")
	}
	return model.EntityRef{EntityType: args[0], EntityID: args[1], OrganizationID: opts.org}, nil
}

func writeEntriesJSON(w io.Writer, entries []model.AuditEntry) error {
	if entries == nil {
		entries = []model.AuditEntry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal entries to JSON: %w", err)
	}
	fmt.Fprintln(w, string(data))
	return nil
}

func writeEntry(w io.Writer, e model.AuditEntry) {
	mark := successMark.Sprint("✓")
	detail := ""
	if e.Outcome == model.OutcomeRejected {
		mark = errorMark.Sprint("✗")
		detail = " " + errorMark.Sprint(e.RejectionReason)
	}
	if e.Comment != "" {
		detail += " " + muted.Sprintf("%q", e.Comment)
	}
	fmt.Fprintf(w, "%s %s  %-16s -> %-16s %s/%s%s\n",
		mark, e.Timestamp.UTC().Format("2006-01-02 15:04:05"), e.FromState, e.ToState, e.ActorID, e.ActorRole, detail)
}
