package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

var rmCmd = &cobra.Command{
	Use:     "rm <ID>...",
	Aliases: []string{"cancel", "kill"},
	Short:   "Cancel one or more tasks",
	Args:    cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		port := readActivePort()
		if port == 0 {
			fmt.Fprintln(os.Stderr, "Error: engine is not running.")
			os.Exit(1)
		}

		body, _ := json.Marshal(map[string][]string{"taskIds": args})
		resp, err := http.Post(fmt.Sprintf("http://127.0.0.1:%d/cancel", port), "application/json", bytes.NewReader(body))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error connecting to engine: %v\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			fmt.Fprintf(os.Stderr, "Error: engine returned %s\n", resp.Status)
			os.Exit(1)
		}
		fmt.Printf("Canceled %d task(s).\n", len(args))
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset [group]",
	Short: "Cancel every non-terminal task, optionally scoped to a group",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		port := readActivePort()
		if port == 0 {
			fmt.Fprintln(os.Stderr, "Error: engine is not running.")
			os.Exit(1)
		}
		group := ""
		if len(args) == 1 {
			group = args[0]
		}
		resp, err := http.Post(fmt.Sprintf("http://127.0.0.1:%d/reset?group=%s", port, group), "application/json", nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error connecting to engine: %v\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()

		var out struct {
			Canceled int `json:"canceled"`
		}
		json.NewDecoder(resp.Body).Decode(&out)
		fmt.Printf("Canceled %d task(s).\n", out.Canceled)
	},
}

func init() {
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(resetCmd)
}
