// zkctl is the operator's command-line front end over the client
// library.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/zonekeeper/zonekeeper"
	"github.com/zonekeeper/zonekeeper/client"
)

var address string

func main() {
	root := &cobra.Command{
		Use:           "zkctl",
		Short:         "Control the zonekeeper daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&address, "address", "a",
		"unix:path=/run/zonekeeper/host/bus.sock", "host bus address")

	root.AddCommand(
		listCommand(),
		activeCommand(),
		setActiveCommand(),
		dbusesCommand(),
		infoCommand(),
		createCommand(),
		destroyCommand(),
		startCommand(),
		shutdownCommand(),
		lockCommand(),
		unlockCommand(),
		grantDeviceCommand(),
		revokeDeviceCommand(),
		netdevCommand(),
		proxyCallCommand(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func withClient(run func(c client.Client) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		c, err := client.Connect(address)
		if err != nil {
			return err
		}
		defer c.Close()
		return run(c)
	}
}

func withClientArgs(run func(c client.Client, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		c, err := client.Connect(address)
		if err != nil {
			return err
		}
		defer c.Close()
		return run(c, args)
	}
}

func listCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List zone ids",
		Args:  cobra.NoArgs,
		RunE: withClient(func(c client.Client) error {
			ids, err := c.GetZoneIds()
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Println(id)
			}
			return nil
		}),
	}
}

func activeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "active",
		Short: "Print the active zone id",
		Args:  cobra.NoArgs,
		RunE: withClient(func(c client.Client) error {
			id, err := c.GetActiveZoneId()
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		}),
	}
}

func setActiveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set-active <zone>",
		Short: "Make a zone the foreground zone",
		Args:  cobra.ExactArgs(1),
		RunE: withClientArgs(func(c client.Client, args []string) error {
			return c.SetActiveZone(args[0])
		}),
	}
}

func dbusesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dbuses",
		Short: "Print every zone's bus address",
		Args:  cobra.NoArgs,
		RunE: withClient(func(c client.Client) error {
			addresses, err := c.GetZoneDbuses()
			if err != nil {
				return err
			}
			ids := make([]string, 0, len(addresses))
			for id := range addresses {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				fmt.Printf("%s\t%s\n", id, addresses[id])
			}
			return nil
		}),
	}
}

func infoCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "info <zone>",
		Short: "Print a zone's state and configuration",
		Args:  cobra.ExactArgs(1),
		RunE: withClientArgs(func(c client.Client, args []string) error {
			info, err := c.GetZoneInfo(args[0])
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(info, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		}),
	}
}

func createCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "create <zone> <template>",
		Short: "Create a zone from a template",
		Args:  cobra.ExactArgs(2),
		RunE: withClientArgs(func(c client.Client, args []string) error {
			return c.CreateZone(args[0], args[1])
		}),
	}
}

func destroyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "destroy <zone>",
		Short: "Shut down and deregister a zone",
		Args:  cobra.ExactArgs(1),
		RunE: withClientArgs(func(c client.Client, args []string) error {
			return c.DestroyZone(args[0])
		}),
	}
}

func startCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start <zone>",
		Short: "Start a zone",
		Args:  cobra.ExactArgs(1),
		RunE: withClientArgs(func(c client.Client, args []string) error {
			return c.StartZone(args[0])
		}),
	}
}

func shutdownCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown <zone>",
		Short: "Shut a zone down gracefully",
		Args:  cobra.ExactArgs(1),
		RunE: withClientArgs(func(c client.Client, args []string) error {
			return c.ShutdownZone(args[0])
		}),
	}
}

func lockCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "lock <zone>",
		Short: "Freeze a zone",
		Args:  cobra.ExactArgs(1),
		RunE: withClientArgs(func(c client.Client, args []string) error {
			return c.LockZone(args[0])
		}),
	}
}

func unlockCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <zone>",
		Short: "Thaw a locked zone",
		Args:  cobra.ExactArgs(1),
		RunE: withClientArgs(func(c client.Client, args []string) error {
			return c.UnlockZone(args[0])
		}),
	}
}

func grantDeviceCommand() *cobra.Command {
	var flags uint32
	cmd := &cobra.Command{
		Use:   "grant-device <zone> <device>",
		Short: "Grant a zone access to a host device node",
		Args:  cobra.ExactArgs(2),
		RunE: withClientArgs(func(c client.Client, args []string) error {
			return c.GrantDevice(args[0], args[1], flags)
		}),
	}
	cmd.Flags().Uint32Var(&flags, "flags",
		zonekeeper.DeviceRead|zonekeeper.DeviceWrite, "access flags (r=1, w=2, m=4)")
	return cmd
}

func revokeDeviceCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke-device <zone> <device>",
		Short: "Withdraw a zone's access to a host device node",
		Args:  cobra.ExactArgs(2),
		RunE: withClientArgs(func(c client.Client, args []string) error {
			return c.RevokeDevice(args[0], args[1])
		}),
	}
}

func netdevCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "netdev",
		Short: "Manage zone network devices",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list <zone>",
			Short: "List a zone's network devices",
			Args:  cobra.ExactArgs(1),
			RunE: withClientArgs(func(c client.Client, args []string) error {
				netdevs, err := c.GetNetdevList(args[0])
				if err != nil {
					return err
				}
				for _, dev := range netdevs {
					fmt.Println(dev)
				}
				return nil
			}),
		},
		&cobra.Command{
			Use:   "create-veth <zone> <zone-dev> <host-dev>",
			Short: "Create a veth pair into a zone",
			Args:  cobra.ExactArgs(3),
			RunE: withClientArgs(func(c client.Client, args []string) error {
				return c.CreateNetdevVeth(args[0], args[1], args[2])
			}),
		},
		&cobra.Command{
			Use:   "create-macvlan <zone> <zone-dev> <host-dev> <mode>",
			Short: "Create a macvlan device into a zone",
			Args:  cobra.ExactArgs(4),
			RunE: withClientArgs(func(c client.Client, args []string) error {
				return c.CreateNetdevMacvlan(args[0], args[1], args[2], zonekeeper.MacvlanMode(args[3]))
			}),
		},
		&cobra.Command{
			Use:   "create-phys <zone> <dev>",
			Short: "Move a physical device into a zone",
			Args:  cobra.ExactArgs(2),
			RunE: withClientArgs(func(c client.Client, args []string) error {
				return c.CreateNetdevPhys(args[0], args[1])
			}),
		},
		&cobra.Command{
			Use:   "destroy <zone> <dev>",
			Short: "Delete a zone network device",
			Args:  cobra.ExactArgs(2),
			RunE: withClientArgs(func(c client.Client, args []string) error {
				return c.DestroyNetdev(args[0], args[1])
			}),
		},
		&cobra.Command{
			Use:   "up <zone> <dev>",
			Short: "Bring a zone device up",
			Args:  cobra.ExactArgs(2),
			RunE: withClientArgs(func(c client.Client, args []string) error {
				return c.NetdevUp(args[0], args[1])
			}),
		},
		&cobra.Command{
			Use:   "down <zone> <dev>",
			Short: "Take a zone device down",
			Args:  cobra.ExactArgs(2),
			RunE: withClientArgs(func(c client.Client, args []string) error {
				return c.NetdevDown(args[0], args[1])
			}),
		},
		&cobra.Command{
			Use:   "set-ip <zone> <dev> <cidr>",
			Short: "Add an address to a zone device",
			Args:  cobra.ExactArgs(3),
			RunE: withClientArgs(func(c client.Client, args []string) error {
				return c.NetdevSetIPAddr(args[0], args[1], args[2])
			}),
		},
		&cobra.Command{
			Use:   "del-ip <zone> <dev> <cidr>",
			Short: "Remove an address from a zone device",
			Args:  cobra.ExactArgs(3),
			RunE: withClientArgs(func(c client.Client, args []string) error {
				return c.NetdevDelIPAddr(args[0], args[1], args[2])
			}),
		},
	)

	return cmd
}

func proxyCallCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "proxy-call <target> <bus-name> <object-path> <interface> <method> [json-args]",
		Short: "Invoke a method in another domain through the daemon",
		Args:  cobra.RangeArgs(5, 6),
		RunE: withClientArgs(func(c client.Client, args []string) error {
			var callArgs interface{}
			if len(args) == 6 {
				if err := json.Unmarshal([]byte(args[5]), &callArgs); err != nil {
					return fmt.Errorf("args must be JSON: %s", err)
				}
			}

			var result json.RawMessage
			err := c.ProxyCall(args[0], args[1], args[2], args[3], args[4], callArgs, &result)
			if err != nil {
				return err
			}
			if len(result) > 0 {
				fmt.Println(string(result))
			}
			return nil
		}),
	}
}
