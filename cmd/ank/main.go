// Command ank is the CLI client: it renders ank.conf and global flags into
// a resolved config.CLI, dials the server over a CommanderHello handshake,
// and issues one Request per invocation (§6).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/ankor/internal/config"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ank",
	Short: "ank: the Ankor command-line client",
}

func init() {
	home, _ := os.UserHomeDir()
	defaultConfig := home + "/.config/ankor/ank.conf" // original_source/ank/src/ank_config.rs: ~/.config/ankaios/ank.conf

	rootCmd.PersistentFlags().String("config", defaultConfig, "Path to ank.conf")
	rootCmd.PersistentFlags().String("server-url", config.DefaultServerURL, "Address of the ankor-server to connect to")
	rootCmd.PersistentFlags().Uint64("response-timeout", config.DefaultResponseTimeoutMS, "Response timeout in milliseconds")
	rootCmd.PersistentFlags().Bool("verbose", false, "Verbose output")
	rootCmd.PersistentFlags().Bool("quiet", false, "Suppress non-essential output")
	rootCmd.PersistentFlags().Bool("no-wait", false, "Don't wait for the server's response before returning")
	rootCmd.PersistentFlags().Bool("insecure", false, "Skip TLS; dial plain TCP (testing only)")
	rootCmd.PersistentFlags().String("ca_pem", "", "Path to the CA certificate used to verify the server's certificate")
	rootCmd.PersistentFlags().String("crt_pem", "", "Path to this client's certificate")
	rootCmd.PersistentFlags().String("key_pem", "", "Path to this client's private key")

	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(applyCmd)
}
