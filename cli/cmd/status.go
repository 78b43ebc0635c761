package cmd

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"southwinds.dev/sealkv"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store status",
	Long:  "Display information about the configured store including reachability, cipher settings and memory protection level.",
	RunE:  showStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func showStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	ok := color.New(color.FgGreen).SprintFunc()
	bad := color.New(color.FgRed).SprintFunc()

	fmt.Fprintln(out, "sealkv Status")
	fmt.Fprintln(out, "=============")

	store := manager.Store()
	started := time.Now()
	if err := store.Ping(); err != nil {
		fmt.Fprintf(out, "Store: %s %s (%v)\n", store.GetType(), bad("UNREACHABLE"), err)
	} else {
		fmt.Fprintf(out, "Store: %s %s (%s)\n", store.GetType(), ok("OK"), time.Since(started).Round(time.Millisecond))
	}
	fmt.Fprintf(out, "  %s\n", getStoreConfigSummary(viper.GetString("sealkv.store_type")))
	fmt.Fprintf(out, "Namespace: %s\n", viper.GetString("sealkv.namespace"))
	fmt.Fprintf(out, "Algorithm: %s\n", viper.GetString("sealkv.algorithm"))

	fallback := viper.GetString("sealkv.fallback")
	if fallback == string(sealkv.FallbackXOR) {
		fmt.Fprintf(out, "Fallback: %s\n", color.YellowString("xor (insecure, used only when the strong cipher is unavailable)"))
	} else {
		fmt.Fprintf(out, "Fallback: %s\n", fallback)
	}

	if ttl := viper.GetDuration("sealkv.ttl"); ttl > 0 {
		fmt.Fprintf(out, "TTL: %s\n", ttl)
	} else {
		fmt.Fprintln(out, "TTL: none")
	}
	fmt.Fprintf(out, "Memory Protection: %s\n", sealkv.MemoryProtection())
	fmt.Fprintf(out, "Audit: %v\n", viper.GetBool("audit.enabled"))
	return nil
}
