package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pitabwire/lifecycle/internal/definition"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <dir>...",
		Short: "Validate definition directories",
		Long: `Loads every *.yaml and *.yml file under the given directories and runs the
same checks the server runs at startup. Exits non-zero on any error.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			catalog, err := definition.Load(args)
			if err != nil {
				var verr *definition.ValidationError
				if !errors.As(err, &verr) {
					return err
				}
				for _, ve := range verr.Errors {
					fmt.Fprintf(out, "%s %s %s\n", errorMark.Sprint("✗"), ve.Error(), muted.Sprintf("(%s)", ve.Code))
				}
				return fmt.Errorf("%d definition error(s)", len(verr.Errors))
			}

			for _, t := range catalog.EntityTypes() {
				def, _ := catalog.Definition(t)
				fmt.Fprintf(out, "%s %s %s\n", successMark.Sprint("✓"), highlight.Sprint(t),
					muted.Sprintf("v%s, %d transitions, %s", def.Version, len(def.Transitions), def.SourceFile))
			}
			fmt.Fprintf(out, "%d entity type(s), checksum %s\n", catalog.Len(), catalog.Checksum())
			return nil
		},
	}
}
