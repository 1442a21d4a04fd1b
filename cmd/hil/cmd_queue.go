package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hil-network/hil/pkg/cli"
	"github.com/hil-network/hil/pkg/model"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Push every pending networking action to the switches once",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return withApp(func(a *app) error {
			sum, err := a.svc.ApplyNetworking(ctx)
			if jsonOutput {
				if perr := cli.PrintJSON(os.Stdout, sum); perr != nil {
					return perr
				}
			} else {
				fmt.Printf("%s %d  %s %d  %s %d\n",
					cli.Green("done"), sum.Done,
					cli.Red("failed"), sum.Failed,
					cli.Yellow("deferred"), sum.Deferred)
			}
			return err
		})
	},
}

var workerInterval time.Duration

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Apply pending networking actions until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		interval := cfg.Apply.Interval
		if cmd.Flags().Changed("interval") {
			interval = workerInterval
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return withApp(func(a *app) error {
			return a.queue.Run(ctx, interval)
		})
	},
}

var actionCmd = &cobra.Command{
	Use:   "action",
	Short: "Inspect networking actions",
}

var actionShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show the status of one action",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			st, err := a.svc.ShowNetworkingAction(args[0])
			if err != nil {
				return err
			}
			return cli.PrintJSON(os.Stdout, st)
		})
	},
}

var actionStatus string

var actionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List actions in queue order",
	RunE: func(cmd *cobra.Command, args []string) error {
		switch actionStatus {
		case "", model.StatusPending, model.StatusDone, model.StatusError:
		default:
			return fmt.Errorf("--status must be PENDING, DONE or ERROR")
		}
		return withApp(func(a *app) error {
			actions, err := a.queue.List(actionStatus)
			if err != nil {
				return err
			}
			if jsonOutput {
				return cli.PrintJSON(os.Stdout, actions)
			}
			if len(actions) == 0 {
				fmt.Println("No networking actions")
				return nil
			}
			t := cli.NewTable(os.Stdout, "ID", "TYPE", "STATUS", "PORT", "CHANNEL", "CREATED", "ERROR")
			for _, act := range actions {
				t.Row(act.ID, act.Type, cli.Status(act.Status), act.Switch+"/"+act.Port,
					act.Channel, act.CreatedAt.Format(time.RFC3339), cli.Truncate(act.Error, 40))
			}
			return t.Flush()
		})
	},
}

func init() {
	addOutputFlags(applyCmd)
	addOutputFlags(actionListCmd)
	workerCmd.Flags().DurationVar(&workerInterval, "interval", 0, "Poll interval (default apply.interval)")
	actionListCmd.Flags().StringVar(&actionStatus, "status", "", "Only actions with this status")
	actionCmd.AddCommand(actionShowCmd, actionListCmd)
}
