package main

import (
	"github.com/spf13/cobra"

	"github.com/lcx/gamenet/config"
)

var (
	configDir string
	env       string
)

var rootCmd = &cobra.Command{
	Use:   "gamenetd",
	Short: "gamenetd - game session transport server",
	Long: `gamenetd accepts game client connections over TCP, negotiates the optional
UDP path, coordinates peer-to-peer holepunching and relays messages between
members of P2P groups.

Configuration is read from <config-dir>/<section>.yaml with an optional
<config-dir>/<env>/ overlay. Sections: server, tcp_transport, udp, p2p,
dispatcher, logger, plugin.`,
	Version:      "0.1.0",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configDir, "config-dir", "c", "./configs", "directory holding the YAML sections")
	rootCmd.PersistentFlags().StringVarP(&env, "env", "e", "development", "environment overlay directory")
	rootCmd.AddCommand(startCmd, validateCmd)
}

func newConfigManager() config.ConfigManager {
	cm := config.NewConfigManager()
	cm.SetBasePath(configDir)
	cm.SetEnvironment(env)
	return cm
}
