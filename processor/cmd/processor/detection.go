package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-triage/processor/internal/models"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/rules"
)

func newRulesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage detection rules",
	}
	cmd.AddCommand(&cobra.Command{
		Use:     "import DIR",
		Short:   "Import Sigma-style YAML rules from a directory",
		Example: `  processor rules import ./sigma/rules/windows`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := a.openRepo(cmd.Context())
			if err != nil {
				return err
			}
			defer repo.Close()

			res, err := rules.NewLoader(repo, a.logger).ImportDir(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if a.output == "json" {
				failed := make([]map[string]string, 0, len(res.Failed))
				for _, f := range res.Failed {
					failed = append(failed, map[string]string{"path": f.Path, "error": f.Err.Error()})
				}
				return writeJSON(a.out, map[string]interface{}{
					"imported": res.Imported, "disabled": res.Disabled, "failed": failed,
				})
			}
			fmt.Fprintf(a.out, "imported %d rules (%d disabled)\n", res.Imported, res.Disabled)
			for _, f := range res.Failed {
				fmt.Fprintf(a.out, "skipped %s\n", f.Error())
			}
			return nil
		},
	})
	return cmd
}

func newIOCsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "iocs",
		Short: "Manage indicators of compromise",
	}

	var (
		caseID      int64
		iocType     string
		value       string
		description string
		hunt        bool
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "Add an indicator to a case",
		Example: `  processor iocs add --case 7 --type ip --value 10.0.0.5
  processor iocs add --case 7 --type domain --value evil.example --hunt`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if caseID <= 0 || value == "" {
				return errors.New("--case and --value are required")
			}
			t, err := models.ParseIOCType(iocType)
			if err != nil {
				return err
			}

			s, err := a.openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			ioc := &models.IOC{CaseID: caseID, Type: t, Value: value, Description: description, Active: true}
			if err := s.repo.CreateIOC(cmd.Context(), ioc); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "ioc %d added (%s %s)\n", ioc.ID, ioc.Type, ioc.Value)
			if !hunt {
				return nil
			}
			res, err := s.coord.BulkDispatch(cmd.Context(), caseID, nil, models.ModeIOCHuntOnly)
			if err != nil {
				return err
			}
			return a.printBulk(res)
		},
	}
	add.Flags().Int64Var(&caseID, "case", 0, "case ID")
	add.Flags().StringVar(&iocType, "type", "", "ioc type: ip, domain, hostname, hash, username, url, command_line, filename, registry, other")
	add.Flags().StringVar(&value, "value", "", "indicator value")
	add.Flags().StringVar(&description, "description", "", "free-form description")
	add.Flags().BoolVar(&hunt, "hunt", false, "hunt the case's indexed files for the new indicator")
	cmd.AddCommand(add)
	return cmd
}

func newTagCmd(a *app) *cobra.Command {
	var (
		caseID  int64
		fileID  int64
		eventID string
		tag     string
	)
	cmd := &cobra.Command{
		Use:   "tag",
		Short: "Tag one event",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if caseID <= 0 || fileID <= 0 || eventID == "" || tag == "" {
				return errors.New("--case, --file, --event and --tag are required")
			}
			repo, err := a.openRepo(cmd.Context())
			if err != nil {
				return err
			}
			defer repo.Close()

			t := &models.EventTag{CaseID: caseID, FileID: fileID, EventID: eventID, Tag: tag}
			if err := repo.CreateTag(cmd.Context(), t); err != nil {
				return err
			}
			_, err = fmt.Fprintf(a.out, "event %s tagged %q\n", eventID, tag)
			return err
		},
	}
	cmd.Flags().Int64Var(&caseID, "case", 0, "case ID")
	cmd.Flags().Int64Var(&fileID, "file", 0, "file ID")
	cmd.Flags().StringVar(&eventID, "event", "", "event ID")
	cmd.Flags().StringVar(&tag, "tag", "", "tag text")
	return cmd
}
