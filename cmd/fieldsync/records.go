package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/angelmondragon/fieldsync/internal/syncengine"
	pkgerrors "github.com/angelmondragon/fieldsync/pkg/errors"
)

func NewPutCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "put <table> <key> <json|->",
		Short: "Write a record to the local cache and queue it for sync",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(cmd.InOrStdin(), args[2])
			if err != nil {
				return err
			}
			a, err := bootstrap(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer a.close()
			rec, err := a.cache.Put(cmd.Context(), args[0], args[1], payload)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		},
	}
}

func NewGetCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <table> [key]",
		Short: "Read one record, or every record of a table",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer a.close()
			if len(args) == 1 {
				recs, err := a.cache.ListByTable(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), recs)
			}
			rec, err := a.cache.Get(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		},
	}
}

func NewDeleteCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <table> <key>",
		Short: "Delete a record locally and queue the remote delete",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer a.close()
			return a.cache.Delete(cmd.Context(), args[0], args[1])
		},
	}
}

func NewResolveCommand(root *RootOptions) *cobra.Command {
	var keepLocal bool
	cmd := &cobra.Command{
		Use:   "resolve <table> <key>",
		Short: "Settle a record left in conflict",
		Long:  "Settle a record left in conflict. By default the server copy wins; --keep-local requeues the local payload against the server version.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer a.close()
			rec, err := a.cache.ResolveConflict(cmd.Context(), args[0], args[1], keepLocal)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		},
	}
	cmd.Flags().BoolVar(&keepLocal, "keep-local", false, "keep the local payload")
	return cmd
}

func NewFlushCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Drain queued operations and media once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer a.close()
			engine, err := a.newEngine(syncengine.ServiceParams{})
			if err != nil {
				return err
			}
			if err := engine.Recover(cmd.Context()); err != nil {
				return err
			}
			res, err := engine.Flush(cmd.Context())
			if err != nil {
				return err
			}
			if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
				return perr
			}
			for _, terr := range res.TerminalErrors() {
				a.logg.Warn(cmd.Context(), terr.Error())
			}
			return nil
		},
	}
}

func NewRetryFailedCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry-failed",
		Short: "Requeue operations that failed terminally",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer a.close()
			engine, err := a.newEngine(syncengine.ServiceParams{})
			if err != nil {
				return err
			}
			n, err := engine.RequeueFailed(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]int{"requeued": n})
		},
	}
}

// readPayload takes inline JSON, or "-" to read it from stdin.
func readPayload(stdin io.Reader, arg string) (json.RawMessage, error) {
	raw := []byte(arg)
	if strings.TrimSpace(arg) == "-" {
		var err error
		if raw, err = io.ReadAll(stdin); err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
	}
	if !json.Valid(raw) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payload is not valid JSON")
	}
	return json.RawMessage(raw), nil
}
