package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-triage/processor/internal/coordinator"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/models"
)

func newIngestCmd(a *app) *cobra.Command {
	var (
		caseID  int64
		channel string
		name    string
	)
	cmd := &cobra.Command{
		Use:   "ingest PATH...",
		Short: "Ingest uploaded files into a case",
		Example: `  processor ingest --case 7 ./Security.evtx
  processor ingest --case 7 --channel bulk ./collection.zip`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if caseID <= 0 {
				return errors.New("--case is required")
			}
			ch, err := models.ParseChannel(channel)
			if err != nil {
				return err
			}
			if name != "" && len(args) > 1 {
				return errors.New("--name applies to a single path")
			}

			s, err := a.openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			var all []*models.Result
			var errs []error
			for _, path := range args {
				res, err := s.coord.Ingest(cmd.Context(), coordinator.Upload{
					CaseID: caseID, Path: path, OriginalName: name, Channel: ch,
				})
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", path, err))
					continue
				}
				all = append(all, res...)
			}
			if err := a.printResults(all); err != nil {
				return err
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().Int64Var(&caseID, "case", 0, "case ID")
	cmd.Flags().StringVar(&channel, "channel", string(models.ChannelInteractive), "ingestion channel: interactive, bulk")
	cmd.Flags().StringVar(&name, "name", "", "original file name when it differs from the path")
	return cmd
}

func newDispatchCmd(a *app) *cobra.Command {
	var (
		fileID int64
		mode   string
	)
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Dispatch an operation for one file",
		Example: `  processor dispatch --file 42 --mode reindex
  processor dispatch --file 42 --mode ioc-hunt-only`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if fileID <= 0 {
				return errors.New("--file is required")
			}
			m, err := models.ParseMode(mode)
			if err != nil {
				return err
			}

			s, err := a.openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			res, err := s.coord.Dispatch(cmd.Context(), fileID, m)
			if res != nil {
				if perr := a.printResults([]*models.Result{res}); perr != nil {
					return perr
				}
			}
			return err
		},
	}
	cmd.Flags().Int64Var(&fileID, "file", 0, "file ID")
	cmd.Flags().StringVar(&mode, "mode", "", "operation mode: full, reindex, rule-test-only, ioc-hunt-only")
	return cmd
}

func newBulkCmd(a *app) *cobra.Command {
	var (
		caseID  int64
		mode    string
		fileIDs []int64
	)
	cmd := &cobra.Command{
		Use:   "bulk",
		Short: "Dispatch an operation for many files of a case",
		Long:  "Dispatch an operation for the selected files of a case, or for every file of the case when none are selected.",
		Example: `  processor bulk --case 7 --mode rule-test-only
  processor bulk --case 7 --mode reindex --file 3 --file 4`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if caseID <= 0 {
				return errors.New("--case is required")
			}
			m, err := models.ParseMode(mode)
			if err != nil {
				return err
			}

			s, err := a.openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			res, err := s.coord.BulkDispatch(cmd.Context(), caseID, fileIDs, m)
			if err != nil {
				return err
			}
			return a.printBulk(res)
		},
	}
	cmd.Flags().Int64Var(&caseID, "case", 0, "case ID")
	cmd.Flags().StringVar(&mode, "mode", "", "operation mode: full, reindex, rule-test-only, ioc-hunt-only")
	cmd.Flags().Int64SliceVar(&fileIDs, "file", nil, "file ID (repeatable; default all files of the case)")
	return cmd
}

func newDeleteCmd(a *app) *cobra.Command {
	var fileID int64
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a file and everything derived from it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if fileID <= 0 {
				return errors.New("--file is required")
			}
			s, err := a.openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.coord.DeleteFile(cmd.Context(), fileID); err != nil {
				return err
			}
			_, err = fmt.Fprintf(a.out, "file %d deleted\n", fileID)
			return err
		},
	}
	cmd.Flags().Int64Var(&fileID, "file", 0, "file ID")
	return cmd
}

func newFilesCmd(a *app) *cobra.Command {
	var (
		caseID  int64
		skipped bool
	)
	cmd := &cobra.Command{
		Use:   "files",
		Short: "List the files of a case",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if caseID <= 0 {
				return errors.New("--case is required")
			}
			repo, err := a.openRepo(cmd.Context())
			if err != nil {
				return err
			}
			defer repo.Close()

			if skipped {
				recs, err := repo.ListSkipped(cmd.Context(), caseID)
				if err != nil {
					return err
				}
				return a.printSkipped(recs)
			}
			files, err := repo.ListFiles(cmd.Context(), caseID)
			if err != nil {
				return err
			}
			stats, err := repo.RecomputeCaseStats(cmd.Context(), caseID)
			if err != nil {
				return err
			}
			return a.printFiles(files, stats)
		},
	}
	cmd.Flags().Int64Var(&caseID, "case", 0, "case ID")
	cmd.Flags().BoolVar(&skipped, "skipped", false, "list skipped and rejected submissions instead")
	return cmd
}
