package main

import (
	"strings"

	"github.com/spf13/cobra"

	"forge/pkg/catalog"
	"forge/pkg/model"
)

func newCatalogCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Show or validate the action catalog",
	}
	cmd.PersistentFlags().StringVar(&path, "path", "", "catalog YAML (built-in table when empty)")

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the stages of every cluster action",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cat, err := catalog.Load(path)
			if err != nil {
				return err
			}
			for _, action := range model.ClusterActions {
				stages := cat.StagesFor(action)
				names := make([]string, 0, len(stages))
				for _, p := range stages {
					names = append(names, string(p))
				}
				printf(cmd, "%-32s %s\n", action, strings.Join(names, " -> "))
			}
			for _, p := range model.ProvisionerActions {
				if origin, ok := cat.RetryOriginFor(p); ok {
					line := "retry " + string(p) + " from " + string(origin)
					if rb, ok := cat.RollbackFor(p); ok {
						line += ", rollback with " + string(rb)
					}
					printf(cmd, "%s\n", line)
				}
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the catalog for consistency",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := catalog.Load(path); err != nil {
				return err
			}
			printf(cmd, "catalog ok\n")
			return nil
		},
	})
	return cmd
}
