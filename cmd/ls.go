package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fileflow/fileflow/internal/task"
)

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List tasks known to the running engine",
	Run: func(cmd *cobra.Command, args []string) {
		group, _ := cmd.Flags().GetString("group")
		jsonOutput, _ := cmd.Flags().GetBool("json")
		watch, _ := cmd.Flags().GetBool("watch")
		includeWaiting, _ := cmd.Flags().GetBool("include-waiting")

		if watch {
			for {
				fmt.Print("\033[H\033[2J")
				printTasks(group, jsonOutput, includeWaiting)
				time.Sleep(1 * time.Second)
			}
		}

		printTasks(group, jsonOutput, includeWaiting)
	},
}

func printTasks(group string, jsonOutput, includeWaiting bool) {
	port := readActivePort()
	if port == 0 {
		fmt.Fprintln(os.Stderr, "Error: engine is not running.")
		os.Exit(1)
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/tasks?group=%s", port, group)
	if includeWaiting {
		url += "&includeWaitingToRetry=true"
	}
	resp, err := http.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to engine: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading response: %v\n", err)
		os.Exit(1)
	}

	var recs []task.TaskRecord
	if err := json.Unmarshal(body, &recs); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing response: %v\n", err)
		os.Exit(1)
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(recs, "", "  ")
		fmt.Println(string(data))
		return
	}

	if len(recs) == 0 {
		fmt.Println("No tasks found.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tFILENAME\tSTATUS\tPROGRESS\tGROUP")
	for _, rec := range recs {
		id := rec.Task.TaskID
		if len(id) > 8 {
			id = id[:8]
		}
		progress := "-"
		if rec.Progress >= 0 {
			progress = fmt.Sprintf("%.1f%%", rec.Progress*100)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", id, rec.Task.Filename, rec.Status, progress, rec.Task.Group)
	}
	w.Flush()
}

func init() {
	rootCmd.AddCommand(lsCmd)
	lsCmd.Flags().String("group", "", "Only list tasks in this group")
	lsCmd.Flags().Bool("json", false, "Output in JSON format")
	lsCmd.Flags().Bool("watch", false, "Refresh every second")
	lsCmd.Flags().Bool("include-waiting", false, "Include tasks waiting to retry")
}
