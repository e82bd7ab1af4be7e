package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lcx/gamenet/config"
	gnet "github.com/lcx/gamenet/net"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration sections",
	Long: `Load and validate every server section without binding any socket.

Examples:
  gamenetd validate -c /etc/gamenet -e prod`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cm := newConfigManager()
		defer cm.Close()

		sections := []config.Config{
			gnet.DefaultServerCfg(),
			gnet.DefaultTCPTransportCfg(),
			gnet.DefaultUdpCfg(),
			gnet.DefaultP2PCfg(),
			gnet.DefaultDispatcherConfig(),
		}
		var failed int
		for _, c := range sections {
			if err := cm.LoadConfig(c.GetName(), c); err != nil {
				failed++
				fmt.Fprintf(cmd.ErrOrStderr(), "INVALID %s: %v\n", c.GetName(), err)
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "VALID %s\n", c.GetName())
		}
		if failed > 0 {
			return fmt.Errorf("%d section(s) invalid", failed)
		}
		return nil
	},
}
