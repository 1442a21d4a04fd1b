package main

import (
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/hil-network/hil/pkg/cli"
	"github.com/hil-network/hil/pkg/hil"
	"github.com/hil-network/hil/pkg/model"
	"github.com/hil-network/hil/pkg/util"
)

var switchCmd = &cobra.Command{
	Use:   "switch",
	Short: "Register and inspect switches",
}

var switchParams hil.SwitchParams

var switchRegisterCmd = &cobra.Command{
	Use:   "register <name> <type> <hostname>",
	Short: "Register a switch",
	Long: `Register a switch of a supported type (dell, dell-n3000, sonic, mock).

The password is prompted for when --password is not given and the type
needs credentials.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		params := switchParams
		params.Hostname = args[2]
		if params.Password == "" && params.Username != "" {
			pw, err := readPassword(fmt.Sprintf("Password for %s@%s: ", params.Username, params.Hostname))
			if err != nil {
				return err
			}
			params.Password = pw
		}
		return withApp(func(a *app) error {
			if err := a.svc.SwitchRegister(args[0], args[1], params); err != nil {
				return err
			}
			fmt.Printf("Registered switch %s (%s)\n", cli.Bold(args[0]), args[1])
			return nil
		})
	},
}

// readPassword prompts on the terminal without echo.
func readPassword(prompt string) (string, error) {
	fd := int(syscall.Stdin)
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("--password is required when stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(pw), nil
}

var switchShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show a switch's ports and capabilities",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			info, err := a.svc.SwitchShow(args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return cli.PrintJSON(os.Stdout, info)
			}
			fmt.Printf("Switch:       %s\n", cli.Bold(info.Name))
			fmt.Printf("Capabilities: %s\n", orNone(info.Capabilities))
			fmt.Printf("Ports:        %s\n", orNone(info.Ports))
			return nil
		})
	},
}

var switchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered switches",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			names, err := a.svc.SwitchList()
			if err != nil {
				return err
			}
			if jsonOutput {
				return cli.PrintJSON(os.Stdout, names)
			}
			for _, n := range names {
				fmt.Println(n)
			}
			return nil
		})
	},
}

var switchConfigCmd = &cobra.Command{
	Use:   "config <name>",
	Short: "Print a switch's running configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			out, err := a.svc.SwitchRunningConfig(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		})
	},
}

var portCmd = &cobra.Command{
	Use:   "port",
	Short: "Inspect and reset switch ports",
}

var portShowCmd = &cobra.Command{
	Use:   "show <switch> <port>",
	Short: "Show what is wired to a port",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			info, err := a.svc.PortShow(args[0], args[1])
			if err != nil {
				return err
			}
			return cli.PrintJSON(os.Stdout, info)
		})
	},
}

var portRevertCmd = &cobra.Command{
	Use:   "revert <switch> <port>",
	Short: "Queue removal of every VLAN from a port",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			id, err := a.svc.PortRevert(args[0], args[1])
			if err != nil {
				return err
			}
			return cli.PrintJSON(os.Stdout, hil.ActionRef{StatusID: id})
		})
	},
}

var networkCmd = &cobra.Command{
	Use:   "network",
	Short: "Inspect networks",
}

var networkListCmd = &cobra.Command{
	Use:   "list",
	Short: "List networks with their VLAN ids and projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			nets, err := a.svc.NetworkList()
			if err != nil {
				return err
			}
			if jsonOutput {
				return cli.PrintJSON(os.Stdout, nets)
			}
			if len(nets) == 0 {
				fmt.Println("No networks")
				return nil
			}
			t := cli.NewTable(os.Stdout, "NETWORK", "NETWORK ID", "PROJECTS")
			for _, name := range sortedNames(nets) {
				n := nets[name]
				t.Row(name, n.NetworkID, orNone(n.Projects))
			}
			return t.Flush()
		})
	},
}

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database maintenance",
}

var dbInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create or upgrade the schema and populate the VLAN pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			if err := model.Migrate(a.db); err != nil {
				return err
			}
			if err := a.vlans.Populate(a.db); err != nil {
				return err
			}
			util.WithFields(map[string]interface{}{
				"driver": cfg.Database.Driver,
				"vlans":  a.vlans.Size(),
			}).Info("database initialized")
			fmt.Printf("%s VLAN pool %s\n", cli.Green("Database ready."), a.vlans)
			return nil
		})
	},
}

func orNone(items []string) string {
	if len(items) == 0 {
		return cli.Dim("none")
	}
	return strings.Join(items, ", ")
}

func init() {
	f := switchRegisterCmd.Flags()
	f.IntVar(&switchParams.Port, "port", 0, "Management port (default per type)")
	f.StringVar(&switchParams.Username, "user", "", "Login user")
	f.StringVar(&switchParams.Password, "password", "", "Login password (prompted when omitted)")
	f.IntVar(&switchParams.DummyVLAN, "dummy-vlan", 0, "Parking VLAN for nativeless trunks")

	addOutputFlags(switchShowCmd)
	addOutputFlags(switchListCmd)
	addOutputFlags(networkListCmd)

	switchCmd.AddCommand(switchRegisterCmd, switchShowCmd, switchListCmd, switchConfigCmd)
	portCmd.AddCommand(portShowCmd, portRevertCmd)
	networkCmd.AddCommand(networkListCmd)
	dbCmd.AddCommand(dbInitCmd)
}
