package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/antigravity/keypool/internal/config"
	"github.com/antigravity/keypool/internal/logger"
	"github.com/antigravity/keypool/internal/quota"
)

var inspectTenant string

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Print the persisted keys and their usage windows",
	RunE:  runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().StringVar(&inspectTenant, "tenant", "", "only show keys of this tenant")
}

func runInspect(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.NewDevelopment()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, closeBackends, err := openPool(ctx, cfg, log, nil)
	if err != nil {
		return err
	}
	defer closeBackends()

	var filter func(quota.Scope) bool
	if inspectTenant != "" {
		filter = quota.Tenant(inspectTenant).Contains
	}

	out := cmd.OutOrStdout()
	keys := pool.Keys(ctx, filter)
	for _, k := range keys {
		status := "active"
		if !k.Active {
			status = "inactive"
		}
		if k.ValidationError != "" {
			status += ", unverified"
		}
		fmt.Fprintf(out, "%s  %-10s priority=%d  %s\n", k.ID, k.Scope, k.Priority, status)
		for _, m := range k.Models {
			enabled := ""
			if !m.Enabled {
				enabled = "  (disabled)"
			}
			fmt.Fprintf(out, "    %-28s p=%-3d", m.ID, m.Priority)
			for _, w := range m.Windows {
				fmt.Fprintf(out, "  %s %d/%d", w.Horizon, w.Used, w.Limit)
			}
			fmt.Fprintf(out, "%s\n", enabled)
		}
	}
	fmt.Fprintf(out, "\n%d keys\n", len(keys))
	return nil
}
