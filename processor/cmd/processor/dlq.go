package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-triage/common/messaging/nats"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/dlq"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/models"
)

func (a *app) openDLQ(ctx context.Context, js *nats.JetStreamClient) (*dlq.JetStreamQueue, error) {
	return dlq.NewJetStreamQueue(ctx, js, a.cfg.Processor.DLQ.MaxAge, a.logger)
}

func newDLQCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead-lettered tasks",
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show dead letter queue figures",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			js, err := a.openJetStream()
			if err != nil {
				return err
			}
			defer js.Close()
			q, err := a.openDLQ(cmd.Context(), js)
			if err != nil {
				return err
			}
			return writeJSON(a.out, q.Stats(cmd.Context()))
		},
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered tasks, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			js, err := a.openJetStream()
			if err != nil {
				return err
			}
			defer js.Close()
			q, err := a.openDLQ(cmd.Context(), js)
			if err != nil {
				return err
			}
			tasks, err := q.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return a.printDLQ(tasks)
		},
	}
	list.Flags().IntVar(&limit, "limit", 100, "maximum entries to list")

	replay := &cobra.Command{
		Use:   "replay SEQ...",
		Short: "Dispatch a fresh task for dead-lettered entries and remove them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seqs := make([]uint64, 0, len(args))
			for _, arg := range args {
				seq, err := strconv.ParseUint(arg, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid sequence %q", arg)
				}
				seqs = append(seqs, seq)
			}

			s, err := a.openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			q, err := a.openDLQ(cmd.Context(), s.js)
			if err != nil {
				return err
			}

			var results []*models.Result
			var errs []error
			for _, seq := range seqs {
				res, err := q.Replay(cmd.Context(), seq, s.coord)
				if res != nil {
					results = append(results, res)
				}
				if err != nil {
					errs = append(errs, fmt.Errorf("sequence %d: %w", seq, err))
				}
			}
			if err := a.printResults(results); err != nil {
				return err
			}
			return errors.Join(errs...)
		},
	}

	var yes bool
	purge := &cobra.Command{
		Use:   "purge",
		Short: "Remove every dead-lettered task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("purge removes every entry; pass --yes to confirm")
			}
			js, err := a.openJetStream()
			if err != nil {
				return err
			}
			defer js.Close()
			q, err := a.openDLQ(cmd.Context(), js)
			if err != nil {
				return err
			}
			if err := q.Purge(cmd.Context()); err != nil {
				return err
			}
			_, err = fmt.Fprintln(a.out, "dlq purged")
			return err
		},
	}
	purge.Flags().BoolVar(&yes, "yes", false, "confirm the purge")

	cmd.AddCommand(stats, list, replay, purge)
	return cmd
}
