package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-triage/processor/migrations"
)

func newMigrateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the metadata store schema",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply every pending migration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := migrations.Up(a.cfg.Database.Postgres.ConnString()); err != nil {
					return err
				}
				return a.reportVersion()
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the latest migration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := migrations.Down(a.cfg.Database.Postgres.ConnString()); err != nil {
					return err
				}
				return a.reportVersion()
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Show the applied schema version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.reportVersion()
			},
		},
	)
	return cmd
}

func (a *app) reportVersion() error {
	v, dirty, err := migrations.Version(a.cfg.Database.Postgres.ConnString())
	if err != nil {
		return err
	}
	if a.output == "json" {
		return writeJSON(a.out, map[string]interface{}{"version": v, "dirty": dirty})
	}
	_, err = fmt.Fprintf(a.out, "schema version %d (dirty=%t)\n", v, dirty)
	return err
}
