package main

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/hil-network/hil/pkg/audit"
	"github.com/hil-network/hil/pkg/cli"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "View the audit trail of applied actions",
	Long: `View the audit trail of networking actions pushed to switches.

Every applied action is logged with its switch, port, operation, target
network and outcome.

Examples:
  hil audit list --switch sw0
  hil audit list --last 24h --failures
  hil audit list --network net-a --json`,
}

var (
	auditSwitch   string
	auditNetwork  string
	auditLast     string
	auditLimit    int
	auditFailures bool
)

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit events",
	RunE: func(cmd *cobra.Command, args []string) error {
		filter, err := auditFilter()
		if err != nil {
			return err
		}
		logger, err := openAudit()
		if err != nil {
			return err
		}
		defer logger.Close()

		events, err := logger.Query(filter)
		if err != nil {
			return fmt.Errorf("querying audit log: %w", err)
		}
		if jsonOutput {
			return cli.PrintJSON(os.Stdout, events)
		}
		if len(events) == 0 {
			fmt.Println("No audit events found")
			return nil
		}
		t := cli.NewTable(os.Stdout, "TIMESTAMP", "SWITCH", "PORT", "OPERATION", "NETWORK", "STATUS", "DURATION")
		for _, e := range events {
			status := cli.Outcome(e.Success)
			if !e.Success && e.Error != "" {
				status += " " + cli.Truncate(e.Error, 40)
			}
			t.Row(e.Timestamp.Format("2006-01-02 15:04:05"), e.Switch, e.Port, e.Operation,
				e.Network, status, e.Duration.Round(time.Millisecond).String())
		}
		return t.Flush()
	},
}

func auditFilter() (audit.Filter, error) {
	filter := audit.Filter{
		Switch:      auditSwitch,
		Network:     auditNetwork,
		Limit:       auditLimit,
		FailureOnly: auditFailures,
	}
	if auditLast != "" {
		d, err := time.ParseDuration(auditLast)
		if err != nil {
			return filter, fmt.Errorf("invalid duration: %s", auditLast)
		}
		filter.StartTime = time.Now().Add(-d)
	}
	return filter, nil
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func init() {
	f := auditListCmd.Flags()
	f.StringVar(&auditSwitch, "switch", "", "Only events on this switch")
	f.StringVar(&auditNetwork, "network", "", "Only events for this network")
	f.StringVar(&auditLast, "last", "", "Only events newer than this duration (e.g. 24h)")
	f.IntVar(&auditLimit, "limit", 0, "Maximum number of events")
	f.BoolVar(&auditFailures, "failures", false, "Only failed actions")
	addOutputFlags(auditListCmd)
	auditCmd.AddCommand(auditListCmd)
}
