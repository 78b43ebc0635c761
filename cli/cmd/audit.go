package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"southwinds.dev/sealkv/audit"
)

var (
	auditJsonOutput    bool
	auditSince         string
	auditUntil         string
	auditAction        string
	auditSuccessFilter string
	auditKey           string
	auditLimit         int
	auditOffset        int
	auditFailuresOnly  bool
	auditDetails       bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query and analyze audit logs",
	Long: `Query and analyze the audit trail written by the envelope engine.

Loads, saves, removals, re-encryptions, expiries, fallback cipher use and
decryption failures are recorded. Audit logging must be enabled with --audit
(or audit.enabled in the config file) when the events are produced.`,
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query audit logs with filters",
	Long: `Query audit logs with various filtering options.

Examples:
  # Query all events in the namespace
  sealkv audit query

  # Query failed events in the last 24 hours
  sealkv audit query --failures-only --since "$(date -d '24 hours ago' -Iseconds)"

  # Query events for one key
  sealkv audit query --key settings`,
	RunE: runAuditQuery,
}

var auditSecurityCmd = &cobra.Command{
	Use:   "security",
	Short: "Show re-encryptions, fallback cipher use and decryption failures",
	RunE:  runAuditSecurity,
}

var auditStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show audit statistics",
	RunE:  runAuditStats,
}

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export audit events as JSON",
	RunE:  runAuditExport,
}

func init() {
	rootCmd.AddCommand(auditCmd)

	auditCmd.AddCommand(auditQueryCmd)
	auditCmd.AddCommand(auditSecurityCmd)
	auditCmd.AddCommand(auditStatsCmd)
	auditCmd.AddCommand(auditExportCmd)

	auditCmd.PersistentFlags().BoolVar(&auditJsonOutput, "json", false, "Output in JSON format")
	auditCmd.PersistentFlags().StringVar(&auditSince, "since", "", "Show events since this time (RFC3339 format)")
	auditCmd.PersistentFlags().StringVar(&auditUntil, "until", "", "Show events until this time (RFC3339 format)")
	auditCmd.PersistentFlags().IntVar(&auditLimit, "limit", 100, "Maximum number of events to return")
	auditCmd.PersistentFlags().IntVar(&auditOffset, "offset", 0, "Number of events to skip")
	auditCmd.PersistentFlags().StringVar(&auditKey, "key", "", "Filter by storage key")
	auditCmd.PersistentFlags().BoolVar(&auditDetails, "details", false, "Show detailed event information")

	auditQueryCmd.Flags().StringVar(&auditAction, "action", "", "Filter by specific action")
	auditQueryCmd.Flags().StringVar(&auditSuccessFilter, "success", "", "Filter by success status (true/false)")
	auditQueryCmd.Flags().BoolVar(&auditFailuresOnly, "failures-only", false, "Show only failed events")
}

func runAuditQuery(cmd *cobra.Command, args []string) error {
	options, err := buildQueryOptions()
	if err != nil {
		return err
	}
	return showAuditEvents(cmd.OutOrStdout(), options)
}

func runAuditSecurity(cmd *cobra.Command, args []string) error {
	options, err := buildQueryOptions()
	if err != nil {
		return err
	}
	options.Security = true
	return showAuditEvents(cmd.OutOrStdout(), options)
}

func runAuditStats(cmd *cobra.Command, args []string) error {
	options, err := buildQueryOptions()
	if err != nil {
		return err
	}
	options.Limit = 0
	options.Offset = 0

	result, err := manager.QueryAuditLogs(options)
	if err != nil {
		return fmt.Errorf("failed to query audit logs: %w", err)
	}

	stats := calculateAuditStats(result.Events, options.Namespace)
	if auditJsonOutput {
		return writeJSON(cmd.OutOrStdout(), stats)
	}
	return displayAuditStats(cmd.OutOrStdout(), stats)
}

func runAuditExport(cmd *cobra.Command, args []string) error {
	options, err := buildQueryOptions()
	if err != nil {
		return err
	}
	result, err := manager.QueryAuditLogs(options)
	if err != nil {
		return fmt.Errorf("failed to query audit logs: %w", err)
	}
	return writeJSON(cmd.OutOrStdout(), result)
}

func buildQueryOptions() (audit.QueryOptions, error) {
	options := audit.QueryOptions{
		Namespace: viper.GetString("sealkv.namespace"),
		Limit:     auditLimit,
		Offset:    auditOffset,
		Action:    auditAction,
		Key:       auditKey,
	}

	if auditSince != "" {
		parsedTime, err := time.Parse(time.RFC3339, auditSince)
		if err != nil {
			return options, fmt.Errorf("invalid since time format: %w", err)
		}
		options.Since = &parsedTime
	}

	if auditUntil != "" {
		parsedTime, err := time.Parse(time.RFC3339, auditUntil)
		if err != nil {
			return options, fmt.Errorf("invalid until time format: %w", err)
		}
		options.Until = &parsedTime
	}

	if auditSuccessFilter != "" {
		success, err := strconv.ParseBool(auditSuccessFilter)
		if err != nil {
			return options, fmt.Errorf("invalid success filter format: %w", err)
		}
		options.Success = &success
	}

	if auditFailuresOnly {
		falseVal := false
		options.Success = &falseVal
	}

	return options, nil
}

func showAuditEvents(out io.Writer, options audit.QueryOptions) error {
	result, err := manager.QueryAuditLogs(options)
	if err != nil {
		return fmt.Errorf("failed to query audit logs: %w", err)
	}

	if auditJsonOutput {
		return writeJSON(out, result)
	}
	if err := displayAuditEvents(out, result.Events); err != nil {
		return err
	}
	if result.HasMore {
		fmt.Fprintf(out, "\nShowing %d of %d events, use --offset to see more\n", len(result.Events), result.Filtered)
	}
	return nil
}

func displayAuditEvents(out io.Writer, events []audit.Event) error {
	if len(events) == 0 {
		fmt.Fprintln(out, "No audit events found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	if auditDetails {
		for _, event := range events {
			fmt.Fprintf(w, "Event ID:\t%s\n", event.ID)
			fmt.Fprintf(w, "Timestamp:\t%s\n", event.Timestamp.Format("2006-01-02 15:04:05"))
			fmt.Fprintf(w, "Namespace:\t%s\n", event.Namespace)
			fmt.Fprintf(w, "Action:\t%s\n", event.Action)
			fmt.Fprintf(w, "Status:\t%s\n", eventStatus(event))

			if event.Key != "" {
				fmt.Fprintf(w, "Key:\t%s\n", event.Key)
			}
			if event.Error != "" {
				fmt.Fprintf(w, "Error:\t%s\n", event.Error)
			}
			if event.Source != "" {
				fmt.Fprintf(w, "Source:\t%s\n", event.Source)
			}
			if len(event.Metadata) > 0 {
				fmt.Fprintf(w, "Metadata:\t")
				for _, k := range sortedMetadataKeys(event.Metadata) {
					fmt.Fprintf(w, "%s=%v ", k, event.Metadata[k])
				}
				fmt.Fprintf(w, "\n")
			}

			fmt.Fprintf(w, "────────────────────────────────────────\n")
		}
		return w.Flush()
	}

	fmt.Fprintf(w, "TIMESTAMP\tACTION\tSTATUS\tKEY\tERROR\n")
	for _, event := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			event.Timestamp.Format("2006-01-02 15:04:05"),
			event.Action,
			eventStatus(event),
			truncate(event.Key, 24),
			truncate(event.Error, 40))
	}
	return w.Flush()
}

func eventStatus(event audit.Event) string {
	if event.Success {
		return "SUCCESS"
	}
	return color.RedString("FAILED")
}

func sortedMetadataKeys(metadata map[string]interface{}) []string {
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

func writeJSON(out io.Writer, v interface{}) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// AuditStats summarizes a set of audit events.
type AuditStats struct {
	Namespace          string         `json:"namespace"`
	GeneratedAt        time.Time      `json:"generated_at"`
	TimeRange          string         `json:"time_range"`
	TotalEvents        int            `json:"total_events"`
	SuccessfulEvents   int            `json:"successful_events"`
	FailedEvents       int            `json:"failed_events"`
	SuccessRate        float64        `json:"success_rate"`
	ActionBreakdown    map[string]int `json:"action_breakdown"`
	DailyDistribution  map[string]int `json:"daily_distribution"`
	TopFailedActions   []ActionCount  `json:"top_failed_actions"`
	TopKeys            []KeyCount     `json:"top_keys"`
	FirstEvent         *time.Time     `json:"first_event,omitempty"`
	LastEvent          *time.Time     `json:"last_event,omitempty"`
	SecurityEvents     int            `json:"security_events"`
	FallbackEvents     int            `json:"fallback_events"`
	DecryptionFailures int            `json:"decryption_failures"`
}

type ActionCount struct {
	Action string `json:"action"`
	Count  int    `json:"count"`
}

type KeyCount struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

func calculateAuditStats(events []audit.Event, namespace string) AuditStats {
	stats := AuditStats{
		Namespace:         namespace,
		GeneratedAt:       time.Now().UTC(),
		ActionBreakdown:   make(map[string]int),
		DailyDistribution: make(map[string]int),
	}

	if len(events) == 0 {
		return stats
	}

	stats.TotalEvents = len(events)
	failedActions := make(map[string]int)
	keyCounts := make(map[string]int)

	for i := range events {
		event := events[i]
		if event.Success {
			stats.SuccessfulEvents++
		} else {
			stats.FailedEvents++
			failedActions[event.Action]++
		}

		stats.ActionBreakdown[event.Action]++
		stats.DailyDistribution[event.Timestamp.Format("2006-01-02")]++

		if event.Key != "" {
			keyCounts[event.Key]++
		}

		switch event.Action {
		case audit.ActionFallback:
			stats.FallbackEvents++
			stats.SecurityEvents++
		case audit.ActionDecryptErr:
			stats.DecryptionFailures++
			stats.SecurityEvents++
		case audit.ActionReencrypt:
			stats.SecurityEvents++
		}

		if stats.FirstEvent == nil || event.Timestamp.Before(*stats.FirstEvent) {
			ts := event.Timestamp
			stats.FirstEvent = &ts
		}
		if stats.LastEvent == nil || event.Timestamp.After(*stats.LastEvent) {
			ts := event.Timestamp
			stats.LastEvent = &ts
		}
	}

	stats.SuccessRate = float64(stats.SuccessfulEvents) / float64(stats.TotalEvents) * 100
	stats.TopFailedActions = getTopActions(failedActions, 5)
	stats.TopKeys = getTopKeys(keyCounts, 10)

	if stats.FirstEvent != nil && stats.LastEvent != nil {
		duration := stats.LastEvent.Sub(*stats.FirstEvent)
		stats.TimeRange = fmt.Sprintf("%s (%.1f hours)", duration.String(), duration.Hours())
	}
	return stats
}

func displayAuditStats(out io.Writer, stats AuditStats) error {
	fmt.Fprintf(out, "Audit Statistics for Namespace: %s\n", stats.Namespace)
	fmt.Fprintf(out, "Generated at: %s\n", stats.GeneratedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(out, "═══════════════════════════════════════\n\n")

	fmt.Fprintf(out, "SUMMARY\n")
	fmt.Fprintf(out, "───────\n")
	fmt.Fprintf(out, "Total Events: %d\n", stats.TotalEvents)
	if stats.TotalEvents > 0 {
		fmt.Fprintf(out, "Successful: %d (%.1f%%)\n", stats.SuccessfulEvents, stats.SuccessRate)
		fmt.Fprintf(out, "Failed: %d (%.1f%%)\n", stats.FailedEvents, 100-stats.SuccessRate)
	}
	if stats.TimeRange != "" {
		fmt.Fprintf(out, "Time Range: %s\n", stats.TimeRange)
	}

	fmt.Fprintf(out, "\nSECURITY\n")
	fmt.Fprintf(out, "────────\n")
	fmt.Fprintf(out, "Security Events: %d\n", stats.SecurityEvents)
	if stats.FallbackEvents > 0 {
		fmt.Fprintf(out, "Fallback Cipher Uses: %s\n", color.YellowString("%d", stats.FallbackEvents))
	} else {
		fmt.Fprintf(out, "Fallback Cipher Uses: 0\n")
	}
	fmt.Fprintf(out, "Decryption Failures: %d\n", stats.DecryptionFailures)

	if len(stats.ActionBreakdown) > 0 {
		fmt.Fprintf(out, "\nACTIONS\n")
		fmt.Fprintf(out, "───────\n")
		for _, action := range getTopActions(stats.ActionBreakdown, 10) {
			fmt.Fprintf(out, "  %s: %d\n", action.Action, action.Count)
		}
	}

	if len(stats.TopFailedActions) > 0 {
		fmt.Fprintf(out, "\nTOP FAILED ACTIONS\n")
		fmt.Fprintf(out, "─────────────────\n")
		for _, action := range stats.TopFailedActions {
			fmt.Fprintf(out, "  %s: %d failures\n", action.Action, action.Count)
		}
	}

	if len(stats.TopKeys) > 0 {
		fmt.Fprintf(out, "\nMOST ACCESSED KEYS\n")
		fmt.Fprintf(out, "──────────────────\n")
		for i, key := range stats.TopKeys {
			if i >= 5 {
				break
			}
			fmt.Fprintf(out, "  %s: %d events\n", truncate(key.Key, 30), key.Count)
		}
	}
	return nil
}

func getTopActions(actionCounts map[string]int, limit int) []ActionCount {
	var actions []ActionCount
	for action, count := range actionCounts {
		actions = append(actions, ActionCount{Action: action, Count: count})
	}

	sort.Slice(actions, func(i, j int) bool {
		if actions[i].Count != actions[j].Count {
			return actions[i].Count > actions[j].Count
		}
		return actions[i].Action < actions[j].Action
	})

	if len(actions) > limit {
		actions = actions[:limit]
	}
	return actions
}

func getTopKeys(keyCounts map[string]int, limit int) []KeyCount {
	var keys []KeyCount
	for key, count := range keyCounts {
		keys = append(keys, KeyCount{Key: key, Count: count})
	}

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Count != keys[j].Count {
			return keys[i].Count > keys[j].Count
		}
		return keys[i].Key < keys[j].Key
	})

	if len(keys) > limit {
		keys = keys[:limit]
	}
	return keys
}
