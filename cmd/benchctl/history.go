package main

import (
	"errors"

	"github.com/spf13/cobra"

	"cellbench/internal/history"
)

func newHistoryCmd(global *globalFlags) *cobra.Command {
	var (
		bench int
		limit int
		db    string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := db
			if path == "" {
				cfg, err := loadConfig(global.configPath)
				if err != nil {
					return err
				}
				path = cfg.Station.HistoryDB
			}
			if path == "" {
				return errors.New("no run history configured: set station.history_db or pass --db")
			}

			store, err := history.Open(path)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.List(cmd.Context(), history.Filter{Bench: bench, Limit: limit})
			if err != nil {
				return err
			}
			printHistory(cmd.OutOrStdout(), runs)
			return nil
		},
	}
	cmd.Flags().IntVarP(&bench, "bench", "b", 0, "Only show runs of this bench")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of runs to show")
	cmd.Flags().StringVar(&db, "db", "", "Path to the run history database (overrides the config)")
	return cmd
}
