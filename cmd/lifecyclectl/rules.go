package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pitabwire/lifecycle/internal/definition"
)

func newRulesCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rules <entity-type>",
		Short: "Print the transition table of an entity type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := definition.Load(opts.definitions)
			if err != nil {
				return err
			}
			def, ok := catalog.Definition(args[0])
			if !ok {
				return fmt.Errorf("entity type %q is not defined in %s", args[0], strings.Join(opts.definitions, ", "))
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s (initial state %s)\n", highlight.Sprint(def.EntityType), muted.Sprint("v"+def.Version), def.InitialState)
			for _, t := range def.Transitions {
				flag := ""
				if t.RequiresComment {
					flag = warnMark.Sprint(" [comment]")
				}
				fmt.Fprintf(out, "  %-20s -> %-20s %s%s\n", t.From, t.To, strings.Join(t.AllowedRoles, ","), flag)
			}
			return nil
		},
	}
}
