package main

import (
	"context"
	"fmt"

	"github.com/hyperengineering/tether/internal/store"
	"github.com/hyperengineering/tether/internal/types"
	"github.com/spf13/cobra"
)

var (
	outboxStatus string
	outboxLimit  int
)

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and manage queued mutations",
}

var outboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List outbox events in delivery order",
	Args:  cobra.NoArgs,
	RunE:  runOutboxList,
}

var outboxRetryCmd = &cobra.Command{
	Use:   "retry <event-id>",
	Short: "Re-arm an exhausted event for delivery",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return outboxAction(cmd, args[0], "retried", func(ctx context.Context, s *session) error {
			return s.engine.Retry(ctx, args[0])
		})
	},
}

var outboxDiscardCmd = &cobra.Command{
	Use:   "discard <event-id>",
	Short: "Give up on an exhausted event without delivering it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return outboxAction(cmd, args[0], "discarded", func(ctx context.Context, s *session) error {
			return s.engine.Discard(ctx, args[0])
		})
	},
}

func init() {
	outboxListCmd.Flags().StringVar(&outboxStatus, "status", "",
		"Only events in this status (pending, in_flight, acknowledged, conflicted, failed)")
	outboxListCmd.Flags().IntVar(&outboxLimit, "limit", 100, "Maximum events to list")

	outboxCmd.AddCommand(outboxListCmd)
	outboxCmd.AddCommand(outboxRetryCmd)
	outboxCmd.AddCommand(outboxDiscardCmd)
}

func runOutboxList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	events, err := s.engine.Events(ctx, store.EventFilter{
		Status: types.EventStatus(outboxStatus),
		Limit:  outboxLimit,
	})
	if err != nil {
		return fmt.Errorf("list events: %w", err)
	}

	if jsonOutput {
		if events == nil {
			events = []types.OutboxEvent{}
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"events": events,
			"total":  len(events),
		})
	}

	if len(events) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Outbox is empty.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "ID\tRECORD\tSEQ\tOPERATION\tSTATUS\tATTEMPTS\tLAST ERROR")
	for _, ev := range events {
		status := string(ev.Status)
		if ev.Exhausted {
			status += " (exhausted)"
		}
		if ev.Discarded {
			status += " (discarded)"
		}
		lastErr := ev.LastError
		if lastErr == "" {
			lastErr = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%d\t%s\n",
			ev.ID,
			types.RecordKey(ev.AggregateType, ev.AggregateID),
			ev.SequenceNo,
			ev.Operation,
			status,
			ev.Attempts,
			lastErr,
		)
	}
	return w.Flush()
}

func outboxAction(cmd *cobra.Command, eventID, verb string, fn func(ctx context.Context, s *session) error) error {
	ctx := context.Background()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := fn(ctx, s); err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{"event_id": eventID, verb: true})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Event %s %s\n", eventID, verb)
	return nil
}
