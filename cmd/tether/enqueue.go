package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	tethersync "github.com/hyperengineering/tether/internal/sync"
	"github.com/hyperengineering/tether/internal/types"
	"github.com/spf13/cobra"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <table> <id> <create|update|delete> [payload|-]",
	Short: "Queue a local mutation for delivery",
	Long:  "Durably queue a mutation in the tenant's outbox. The payload is a JSON object given inline or read from stdin with '-'. Works offline.",
	Args:  cobra.RangeArgs(3, 4),
	RunE:  runEnqueue,
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	m := types.Mutation{
		AggregateType: args[0],
		AggregateID:   args[1],
		Operation:     tethersync.Operation(args[2]),
	}
	if !m.Operation.Valid() {
		return fmt.Errorf("unknown operation %q: want create, update or delete", args[2])
	}
	if len(args) == 4 {
		payload := []byte(args[3])
		if args[3] == "-" {
			var err error
			if payload, err = io.ReadAll(cmd.InOrStdin()); err != nil {
				return fmt.Errorf("read payload: %w", err)
			}
		}
		if !json.Valid(payload) {
			return fmt.Errorf("payload is not valid JSON")
		}
		m.Payload = payload
	}

	ctx := context.Background()
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	id, err := s.engine.Enqueue(ctx, m)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{"event_id": id})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Queued event %s\n", id)
	return nil
}
