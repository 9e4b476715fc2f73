package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/unifiedhealth/healthsync"
)

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheListCmd)
	cacheCmd.AddCommand(cacheGetCmd)
	cacheCmd.AddCommand(cacheRmCmd)
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect the offline data cache",
}

var cacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		keys, err := s.storage.Keys(cmd.Context(), healthsync.CacheKeyPrefix)
		if err != nil {
			return err
		}
		for _, k := range keys {
			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimPrefix(k, healthsync.CacheKeyPrefix))
		}
		return nil
	},
}

var cacheGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print a cached value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		data, fresh, ok := s.app.Engine.Cached(cmd.Context(), args[0])
		if !ok {
			return fmt.Errorf("%w: %s", healthsync.ErrCacheMiss, args[0])
		}
		if !fresh {
			fmt.Fprintln(cmd.ErrOrStderr(), "warning: cached value is stale")
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}

var cacheRmCmd = &cobra.Command{
	Use:   "rm <key>",
	Short: "Remove a cached value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		s.app.Cache.Remove(context.WithoutCancel(cmd.Context()), args[0])
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
		return nil
	},
}
