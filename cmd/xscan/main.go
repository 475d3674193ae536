package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	verbose bool
	version = "dev"
)

var rootCmd = &cobra.Command{
	Use:   "xscan",
	Short: "Stateless Internet-scale network scanner",
	Long: `xscan sends and receives packets without keeping per-target
connection state, the way masscan/zmap do: a keyed cookie in place of a
TCP/IP stack lets the receive path recognize a reply as its own, so the
transmit rate is bounded only by the wire and the token bucket, never by
in-flight session count.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./xscan.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(modulesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
