package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

var pauseCmd = &cobra.Command{
	Use:   "pause <ID>",
	Short: "Pause a running task, if its AllowPause flag permits it",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		port := readActivePort()
		if port == 0 {
			fmt.Fprintln(os.Stderr, "Error: engine is not running.")
			os.Exit(1)
		}
		ok := postAction(port, args[0], "pause")
		if !ok {
			fmt.Fprintf(os.Stderr, "Could not pause %s (not running, or AllowPause is false)\n", args[0])
			os.Exit(1)
		}
		fmt.Printf("Paused %s\n", args[0])
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <ID>",
	Short: "Resume a paused task",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		port := readActivePort()
		if port == 0 {
			fmt.Fprintln(os.Stderr, "Error: engine is not running.")
			os.Exit(1)
		}
		ok := postAction(port, args[0], "resume")
		if !ok {
			fmt.Fprintf(os.Stderr, "Could not resume %s (not paused)\n", args[0])
			os.Exit(1)
		}
		fmt.Printf("Resumed %s\n", args[0])
	},
}

func postAction(port int, id, action string) bool {
	resp, err := http.Post(fmt.Sprintf("http://127.0.0.1:%d/tasks/%s/%s", port, id, action), "application/json", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to engine: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	var out struct {
		OK bool `json:"ok"`
	}
	json.NewDecoder(resp.Body).Decode(&out)
	return out.OK
}

func init() {
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
}
