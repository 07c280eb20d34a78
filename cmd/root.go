package cmd

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fileflow/fileflow/internal/config"
	"github.com/fileflow/fileflow/internal/utils"

	"github.com/spf13/cobra"
)

// Version information - set via ldflags during build
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// rootCmd represents the base command when called without any
// subcommands: it starts the daemon that owns the engine (holding
// queue, executor, store) and serves the Command Surface over HTTP for
// every other verb (add/ls/pause/resume/rm/status) to talk to.
var rootCmd = &cobra.Command{
	Use:     "enginectl",
	Short:   "A durable, resumable, priority-scheduled file-transfer engine",
	Long:    `enginectl runs a background transfer engine and exposes add/ls/pause/resume/rm/status verbs against it.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		// newDaemon's store.Configure acquires the on-disk advisory lock
		// (internal/store/db.go) that guards this engine's SQLite file
		// against a second instance; its error is already descriptive
		// enough to surface directly rather than duplicating the guard
		// here.
		d, err := newDaemon()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error starting engine: %v\n", err)
			fmt.Fprintln(os.Stderr, "If enginectl is already running, use 'enginectl add <url>' to queue a transfer on it.")
			os.Exit(1)
		}
		defer d.shutdown()

		portFlag, _ := cmd.Flags().GetInt("port")

		var port int
		var listener net.Listener
		if portFlag > 0 {
			port = portFlag
			listener, err = net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: could not bind to port %d: %v\n", port, err)
				os.Exit(1)
			}
		} else {
			port, listener = findAvailablePort(8787)
			if listener == nil {
				fmt.Fprintln(os.Stderr, "Error: could not find available port")
				os.Exit(1)
			}
		}

		saveActivePort(port)
		defer removeActivePort()

		if err := d.engine.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error rescheduling killed tasks: %v\n", err)
		}

		go d.serve(listener)

		fmt.Printf("enginectl %s listening on 127.0.0.1:%d\n", Version, port)
		fmt.Println("Press Ctrl+C to exit.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		fmt.Println("\nShutting down...")
	},
}

// findAvailablePort tries ports starting from 'start' until one is free.
func findAvailablePort(start int) (int, net.Listener) {
	for port := start; port < start+100; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			return port, ln
		}
	}
	return 0, nil
}

// saveActivePort writes the active port to the engine dir for the other
// verbs to discover, mirroring the teacher's browser-extension discovery
// file.
func saveActivePort(port int) {
	portFile := filepath.Join(config.GetBaseDir(), "port")
	os.WriteFile(portFile, []byte(fmt.Sprintf("%d", port)), 0644)
	utils.Debug("daemon listening on port %d", port)
}

func removeActivePort() {
	os.Remove(filepath.Join(config.GetBaseDir(), "port"))
}

// readActivePort reads the port file written by a running daemon,
// returning 0 if none is running.
func readActivePort() int {
	data, err := os.ReadFile(filepath.Join(config.GetBaseDir(), "port"))
	if err != nil {
		return 0
	}
	var port int
	fmt.Sscanf(string(data), "%d", &port)
	return port
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().Int("port", 0, "Bind to a specific port instead of auto-discovery")
}
