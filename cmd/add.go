package cmd

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var addCmd = &cobra.Command{
	Use:     "add [url]...",
	Aliases: []string{"get"},
	Short:   "Add one or more transfers to the running engine",
	Args:    cobra.MinimumNArgs(0),
	Run: func(cmd *cobra.Command, args []string) {
		batchFile, _ := cmd.Flags().GetString("batch")
		dir, _ := cmd.Flags().GetString("output")
		group, _ := cmd.Flags().GetString("group")
		priority, _ := cmd.Flags().GetInt("priority")
		retries, _ := cmd.Flags().GetInt("retries")
		allowPause, _ := cmd.Flags().GetBool("allow-pause")

		var urls []string
		urls = append(urls, args...)
		if batchFile != "" {
			fileURLs, err := readURLsFromFile(batchFile)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error reading batch file: %v\n", err)
				os.Exit(1)
			}
			urls = append(urls, fileURLs...)
		}
		if len(urls) == 0 {
			cmd.Help()
			return
		}

		port := readActivePort()
		if port == 0 {
			fmt.Fprintln(os.Stderr, "Error: engine is not running. Start it with 'enginectl'.")
			os.Exit(1)
		}

		count := 0
		for _, u := range urls {
			id, err := postTask(port, u, dir, group, priority, retries, allowPause)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error adding %s: %v\n", u, err)
				continue
			}
			fmt.Printf("Queued %s -> %s\n", u, id)
			count++
		}
		if count > 0 {
			fmt.Printf("Successfully queued %d transfers.\n", count)
		}
	},
}

func postTask(port int, url, dir, group string, priority, retries int, allowPause bool) (string, error) {
	body := addRequest{
		URL:        url,
		Directory:  dir,
		Group:      group,
		Priority:   taskPriority(priority),
		Retries:    retries,
		AllowPause: allowPause,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	resp, err := http.Post(fmt.Sprintf("http://127.0.0.1:%d/tasks", port), "application/json", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("connecting to engine: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("engine returned %s", resp.Status)
	}
	var out struct {
		ID string `json:"id"`
	}
	json.NewDecoder(resp.Body).Decode(&out)
	return out.ID, nil
}

// readURLsFromFile reads URLs from a file, one per line, skipping blank
// lines and comments.
func readURLsFromFile(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	var urls []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			urls = append(urls, line)
		}
	}
	return urls, scanner.Err()
}

func init() {
	rootCmd.AddCommand(addCmd)
	addCmd.Flags().StringP("batch", "b", "", "File containing URLs to queue (one per line)")
	addCmd.Flags().StringP("output", "o", ".", "Destination directory")
	addCmd.Flags().String("group", "default", "Group to place the task in")
	addCmd.Flags().Int("priority", 5, "Priority (0=high, 5=normal, 9=low)")
	addCmd.Flags().Int("retries", 3, "Retries on failure")
	addCmd.Flags().Bool("allow-pause", true, "Whether this transfer may be paused")
}
