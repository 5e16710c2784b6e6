// Command keelctl is the admin CLI for a keeld daemon: namespace
// create/delete/list/status, driven over the daemon's admin HTTP API the
// way cmd/warren's cobra tree drives its manager over HTTP.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var flagAddr string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "keelctl: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "keelctl",
	Short: "Admin CLI for a keel replication daemon",
	Long: `keelctl talks to a running keeld's admin HTTP API to manage the
namespaces it hosts: create, delete, list, and check replication status.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagAddr, "addr", "http://127.0.0.1:4428", "keeld admin HTTP address")
	rootCmd.AddCommand(namespaceCmd)
}

var namespaceCmd = &cobra.Command{
	Use:   "namespace",
	Short: "Manage namespaces hosted by a keeld daemon",
}

func init() {
	namespaceCmd.AddCommand(namespaceCreateCmd)
	namespaceCmd.AddCommand(namespaceDeleteCmd)
	namespaceCmd.AddCommand(namespaceListCmd)
	namespaceCmd.AddCommand(namespaceStatusCmd)
}

var namespaceCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a namespace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postNamespace(flagAddr, "create", args[0])
	},
}

var namespaceDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a namespace and every handle open on it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postNamespace(flagAddr, "delete", args[0])
	},
}

var namespaceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List namespaces currently hosted",
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := getJSON(flagAddr + "/api/namespace/list")
		if err != nil {
			return err
		}
		fmt.Println(body)
		return nil
	},
}

var namespaceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show replication status for every hosted namespace",
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := getJSON(flagAddr + "/status")
		if err != nil {
			return err
		}
		fmt.Println(body)
		return nil
	},
}
