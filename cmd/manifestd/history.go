package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/steveyegge/manifestd/internal/history"
	"github.com/steveyegge/manifestd/internal/ui"
)

var historyCmd = &cobra.Command{
	Use:     "history",
	GroupID: "inspect",
	Short:   "Show recorded file events",
	Long: `Show file events recorded by 'manifestd serve --history', newest first.

--since and --prune-before accept a duration (90m), an RFC 3339 time or a
phrase such as "yesterday" or "last monday".

Example usage:
  manifestd history                       # last 100 events
  manifestd history --since 2h --url /js/ # recent script changes
  manifestd history --sessions            # one line per serve run
  manifestd history --prune-before "last week"`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(nil)
		if err != nil {
			fatal("%v", err)
		}
		sinceText, _ := cmd.Flags().GetString("since")
		urlPrefix, _ := cmd.Flags().GetString("url")
		limit, _ := cmd.Flags().GetInt("limit")
		session, _ := cmd.Flags().GetString("session")
		listSessions, _ := cmd.Flags().GetBool("sessions")
		pruneText, _ := cmd.Flags().GetString("prune-before")
		asJSON, _ := cmd.Flags().GetBool("json")

		if _, err := os.Stat(cfg.History.Path); err != nil {
			fatal("no history at %s (run 'manifestd serve --history' first)", cfg.History.Path)
		}
		store, err := history.Open(cfg.History.Path)
		if err != nil {
			fatal("%v", err)
		}
		defer store.Close()

		ctx := cmd.Context()
		if err := store.InitSchema(ctx); err != nil {
			fatal("%v", err)
		}

		if pruneText != "" {
			before, err := parseTime(pruneText, time.Now())
			if err != nil {
				fatal("invalid --prune-before: %v", err)
			}
			n, err := store.Prune(ctx, before)
			if err != nil {
				fatal("%v", err)
			}
			fmt.Printf("%s pruned %d events before %s\n", ui.RenderPass("✓"), n, before.Format(time.RFC3339))
			return
		}

		if listSessions {
			sessions, err := store.Sessions(ctx)
			if err != nil {
				fatal("%v", err)
			}
			if asJSON {
				printJSON(sessions)
				return
			}
			for _, s := range sessions {
				fmt.Printf("%s  %s  %5d events  %s\n",
					ui.RenderAccent(s.ID[:8]),
					s.StartedAt.Local().Format("2006-01-02 15:04:05"),
					s.Events,
					ui.RenderMuted(strings.Join(s.Roots, ", ")))
			}
			return
		}

		q := history.Query{URLPrefix: urlPrefix, Session: session, Limit: limit}
		if sinceText != "" {
			if q.Since, err = parseTime(sinceText, time.Now()); err != nil {
				fatal("invalid --since: %v", err)
			}
		}
		records, err := store.List(ctx, q)
		if err != nil {
			fatal("%v", err)
		}
		if asJSON {
			printJSON(records)
			return
		}
		if len(records) == 0 {
			fmt.Println(ui.RenderMuted("No events recorded"))
			return
		}
		for _, r := range records {
			fmt.Printf("%s  %-6s  %s\n",
				r.Time.Local().Format("2006-01-02 15:04:05"),
				ui.RenderOp(r.Op),
				r.URL)
		}
	},
}

func init() {
	historyCmd.Flags().String("since", "", "Only events after this time")
	historyCmd.Flags().String("url", "", "Only events whose URL starts with this prefix")
	historyCmd.Flags().IntP("limit", "n", 100, "Maximum number of events")
	historyCmd.Flags().String("session", "", "Only events from this session")
	historyCmd.Flags().Bool("sessions", false, "List serve sessions instead of events")
	historyCmd.Flags().String("prune-before", "", "Delete events older than this time")
	historyCmd.Flags().Bool("json", false, "Output JSON")

	rootCmd.AddCommand(historyCmd)
}

// parseTime reads a duration before now, an RFC 3339 time or a natural
// language phrase.
func parseTime(text string, now time.Time) (time.Time, error) {
	text = strings.TrimSpace(text)
	if d, err := time.ParseDuration(text); err == nil {
		return now.Add(-d), nil
	}
	if t, err := time.Parse(time.RFC3339, text); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(text, now)
	if err != nil {
		return time.Time{}, err
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("unrecognized time %q", text)
	}
	return r.Time, nil
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatal("failed to encode JSON: %v", err)
	}
}
