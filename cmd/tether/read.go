package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var readCmd = &cobra.Command{
	Use:   "read <table/id>",
	Short: "Read a record, cache first",
	Args:  cobra.ExactArgs(1),
	RunE:  runRead,
}

func runRead(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	v, err := s.engine.Read(ctx, args[0])
	if err != nil {
		return err
	}

	if json.Valid(v) {
		return printJSON(cmd.OutOrStdout(), json.RawMessage(v))
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(v))
	return nil
}
