package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/fileflow/fileflow/internal/task"
)

var statusCmd = &cobra.Command{
	Use:   "status <ID>",
	Short: "Show the full record for a single task",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		port := readActivePort()
		if port == 0 {
			fmt.Fprintln(os.Stderr, "Error: engine is not running.")
			os.Exit(1)
		}

		resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/tasks/%s", port, args[0]))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error connecting to engine: %v\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			fmt.Fprintf(os.Stderr, "No such task: %s\n", args[0])
			os.Exit(1)
		}

		body, _ := io.ReadAll(resp.Body)
		var rec task.TaskRecord
		if err := json.Unmarshal(body, &rec); err != nil {
			fmt.Fprintf(os.Stderr, "Error parsing response: %v\n", err)
			os.Exit(1)
		}

		data, _ := json.MarshalIndent(rec, "", "  ")
		fmt.Println(string(data))
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
