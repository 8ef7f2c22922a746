package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vincentbai/domspy-agent/internal/models"
	"github.com/vincentbai/domspy-agent/internal/replay"
)

var replayCmd = &cobra.Command{
	Use:   "replay <trace.json|trace-id>",
	Short: "Replay a recorded trace into Chrome",
	Long: `Replay dispatches the recorded interactions of an export document as
synthetic bubbling events in a Chrome tab. The argument is either a path to
an export file or the trace id of a stored snapshot.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		trace, err := loadTrace(cmd, args[0])
		if err != nil {
			return err
		}

		target, release, err := browserTargets(cmd.Context(), trace.Meta.URL)
		if err != nil {
			return err
		}
		defer release()

		res, err := replay.NewDriver(target, logger).Replay(cmd.Context(), trace.Buffer.Events)
		if err != nil {
			return fmt.Errorf("replay interrupted: %w", err)
		}
		return printJSON(cmd, res)
	},
}

func loadTrace(cmd *cobra.Command, arg string) (models.Export, error) {
	var trace models.Export
	data, err := os.ReadFile(arg)
	if err == nil {
		if err := json.Unmarshal(data, &trace); err != nil {
			return trace, fmt.Errorf("failed to parse trace %s: %w", arg, err)
		}
		return trace, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return trace, fmt.Errorf("failed to read trace: %w", err)
	}

	db, err := openDatabase()
	if err != nil {
		return trace, err
	}
	defer db.Close()
	return db.LoadSnapshot(cmd.Context(), arg)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
