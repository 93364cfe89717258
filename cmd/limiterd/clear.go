package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/toolink/limiter/config"
	"github.com/toolink/limiter/limiter"
)

var clearStores []string

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear the storage of limiter stores",
	Long: `Clear removes every counter of the given stores, or of all stores.
Redis stores flush the whole database and database stores empty the table.`,
	Args: cobra.NoArgs,
	RunE: runClear,
}

func init() {
	clearCmd.Flags().StringSliceVar(&clearStores, "store", nil, "stores to clear (default all)")
	rootCmd.AddCommand(clearCmd)
}

func runClear(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	m, closeAll, err := cfg.Build(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeAll(); err != nil {
			log.Error().Err(err).Msg("failed to close stores")
		}
	}()

	stores := clearStores
	if len(stores) == 0 {
		for name := range cfg.Stores {
			stores = append(stores, name)
		}
	}
	// the manager only clears stores it has limiters for
	for _, store := range stores {
		if _, err := m.Use(store, limiter.RuntimeConfig{Requests: 1, Duration: 1}); err != nil {
			return err
		}
	}
	if err := m.Clear(ctx, stores...); err != nil {
		return err
	}
	log.Info().Strs("stores", stores).Msg("stores cleared")
	return nil
}
