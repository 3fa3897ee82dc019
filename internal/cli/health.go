package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/nidhogg/nuka-memory/internal/events"
	"github.com/nidhogg/nuka-memory/internal/maintenance"
	"github.com/nidhogg/nuka-memory/internal/metrics"
)

var healthJSON bool

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Run a health check and print the composite system health",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, logger, err := openInitialized(ctx)
		if err != nil {
			return err
		}
		defer logger.Sync()
		defer a.Close()

		rep := a.Monitor.Check(ctx)
		sh := a.Maintenance.SystemHealth(ctx)
		if healthJSON {
			return printJSON(cmd.OutOrStdout(), map[string]any{"check": rep, "system": sh})
		}
		writeHealth(cmd.OutOrStdout(), sh, rep.Snapshot, time.Now())
		for _, al := range rep.Alerts {
			fmt.Fprintf(cmd.OutOrStdout(), "  [%s] %s\n", al.Severity, al.Message)
		}
		if sh.Status == maintenance.SystemUnhealthy {
			return fmt.Errorf("system is %s", sh.Status)
		}
		return nil
	},
}

// writeHealth renders the composite view for terminals.
func writeHealth(w io.Writer, sh *maintenance.SystemHealth, snap metrics.Snapshot, now time.Time) {
	fmt.Fprintf(w, "status:        %s (checked %s)\n", sh.Status, humanize.RelTime(sh.CheckedAt, now, "ago", "from now"))
	fmt.Fprintf(w, "collections:   %d\n", sh.Memory.Collections)
	fmt.Fprintf(w, "entries:       %s (%s archived)\n", humanize.Comma(int64(snap.TotalEntries)), humanize.Comma(int64(snap.TotalArchived)))
	fmt.Fprintf(w, "storage:       %s of %s (%.1f%%)\n",
		humanize.Bytes(uint64(snap.TotalBytes)), humanize.Bytes(uint64(snap.CapacityBytes)), snap.Utilization*100)
	fmt.Fprintf(w, "cache hits:    %.1f%% of %s lookups\n", snap.CacheHitRatio*100, humanize.Comma(snap.CacheLookups()))
	fmt.Fprintf(w, "alerts:        %d accumulated\n", sh.Alerts)

	if len(sh.Candidates) > 0 {
		labels := make([]string, 0, len(sh.Candidates))
		for l := range sh.Candidates {
			labels = append(labels, l)
		}
		sort.Strings(labels)
		fmt.Fprintln(w, "prune candidates:")
		for _, l := range labels {
			fmt.Fprintf(w, "  %-12s %d\n", l, sh.Candidates[l])
		}
	}
	for _, e := range sh.Errors {
		fmt.Fprintf(w, "error: %s\n", e)
	}
}

var watchRecent int64

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow maintenance, pruning and alert events from the Redis stream",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, logger, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer logger.Sync()
		defer a.Close()
		if a.Bus == nil {
			return fmt.Errorf("event stream unavailable: set events.enabled and database.redis.url")
		}
		return follow(ctx, cmd.OutOrStdout(), a.Bus, watchRecent)
	},
}

type eventSource interface {
	Recent(ctx context.Context, n int64) ([]events.Event, error)
	Subscribe(ctx context.Context) <-chan *events.Event
}

func follow(ctx context.Context, w io.Writer, src eventSource, recent int64) error {
	if recent > 0 {
		past, err := src.Recent(ctx, recent)
		if err != nil {
			return err
		}
		for i := len(past) - 1; i >= 0; i-- {
			writeEvent(w, &past[i])
		}
	}
	for ev := range src.Subscribe(ctx) {
		writeEvent(w, ev)
	}
	return nil
}

func writeEvent(w io.Writer, ev *events.Event) {
	fmt.Fprintf(w, "%s  %-18s %s\n", ev.Timestamp.Format(time.RFC3339), ev.Kind, ev.Payload)
}

func init() {
	rootCmd.AddCommand(healthCmd, watchCmd)
	healthCmd.Flags().BoolVar(&healthJSON, "json", false, "print the full reports as JSON")
	watchCmd.Flags().Int64Var(&watchRecent, "recent", 10, "print this many past events first")
}
