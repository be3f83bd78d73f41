package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pitabwire/lifecycle/internal/definition"
	"github.com/pitabwire/lifecycle/internal/workflow"
	"github.com/pitabwire/lifecycle/model"
)

func newReplayCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <entity-type> <entity-id>",
		Short: "Check that an entity's status matches its audit trail",
		Long: `Replays the successful entries of the audit trail from the entity type's
initial state and compares the result with the stored status. Exits non-zero
when they differ.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := entityRef(opts, args)
			if err != nil {
				return err
			}
			catalog, err := definition.Load(opts.definitions)
			if err != nil {
				return err
			}
			store, closeStore, err := openStore(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeStore()

			svc := workflow.NewService(catalog, store, nil)
			status, err := svc.Verify(cmd.Context(), ref)
			if err != nil {
				if model.IsCode(err, model.ErrIntegrityViolation) {
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s/%s drifted: %s\n",
						errorMark.Sprint("✗"), ref.EntityType, ref.EntityID, err)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s/%s is consistent at %s\n",
				successMark.Sprint("✓"), ref.EntityType, ref.EntityID, highlight.Sprint(status))
			return nil
		},
	}
}
