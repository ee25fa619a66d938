// Command consult is the AI consultation daemon and its control
// surface. The daemon owns the store, the event hub, the RAG corpus,
// and the provider adapters; everything else connects to it over
// loopback HTTP with the token from the lock file.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/steveyegge/consult/internal/lockfile"
)

// Version is stamped by the release build.
var Version = "dev"

// HomeDirName is the consult state directory under $HOME.
const HomeDirName = ".ai-consultation-mcp"

var (
	daemonMode    bool
	startMode     bool
	configMode    bool
	uninstallMode bool
	legacyMode    bool
	portFlag      int
)

func main() {
	root := &cobra.Command{
		Use:   "consult",
		Short: "AI consultation daemon",
		Long: `consult runs the single-instance consultation daemon: a loopback HTTP
service that brokers conversations with external model providers, keeps
a local RAG corpus, and broadcasts state changes to connected clients.`,
		SilenceUsage: true,
		RunE:         run,
	}

	flags := root.Flags()
	flags.BoolVar(&daemonMode, "daemon", false, "run the daemon in the foreground")
	flags.BoolVar(&startMode, "start", false, "start the daemon in the background if it is not running")
	flags.BoolVar(&configMode, "config", false, "print daemon status and effective configuration")
	flags.BoolVar(&uninstallMode, "uninstall", false, "stop the daemon and remove its runtime files")
	flags.BoolVar(&legacyMode, "legacy", false, "run the legacy JSON import and exit (deprecated)")
	flags.IntVar(&portFlag, "port", 0, "port to probe from (default 3456)")

	root.MarkFlagsMutuallyExclusive("daemon", "start", "config", "uninstall", "legacy")

	initViper()

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// initViper layers CONSULT_* environment variables under the flags.
func initViper() {
	viper.SetEnvPrefix("CONSULT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("log-level", "info")
	viper.SetDefault("log-json", false)
}

func run(cmd *cobra.Command, _ []string) error {
	switch {
	case daemonMode:
		return runDaemon()
	case startMode:
		return runStart()
	case configMode:
		return runConfigStatus()
	case uninstallMode:
		return runUninstall()
	case legacyMode:
		return runLegacyImport()
	default:
		// Proxy mode lives in the editor-side client, not here.
		return cmd.Help()
	}
}

// consultHome resolves the state directory: CONSULT_HOME when set,
// otherwise $HOME/.ai-consultation-mcp.
func consultHome() (string, error) {
	if dir := viper.GetString("home"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot resolve home directory: %w", err)
	}
	return filepath.Join(home, HomeDirName), nil
}

// runStart ensures a daemon is running, spawning a detached one when the
// lock is missing or stale, and prints where it listens.
func runStart() error {
	dir, err := consultHome()
	if err != nil {
		return err
	}

	if info, err := lockfile.Read(dir); err == nil && lockfile.IsLive(info) {
		fmt.Printf("daemon already running on port %d (pid %d)\n", info.Port, info.PID)
		return nil
	}

	binary, err := os.Executable()
	if err != nil {
		return fmt.Errorf("cannot resolve own binary: %w", err)
	}
	info, err := lockfile.SpawnDaemon(dir, binary)
	if err != nil {
		return err
	}
	fmt.Printf("daemon started on port %d (pid %d)\n", info.Port, info.PID)
	return nil
}

// runConfigStatus prints whether a daemon is live and on which port.
func runConfigStatus() error {
	dir, err := consultHome()
	if err != nil {
		return err
	}

	info, err := lockfile.Read(dir)
	switch {
	case os.IsNotExist(err):
		fmt.Println("daemon: not running")
	case err != nil:
		return err
	case lockfile.IsLive(info):
		fmt.Printf("daemon: running (pid %d, port %d, since %s)\n",
			info.PID, info.Port, info.StartedAt.Format("2006-01-02 15:04:05 MST"))
	default:
		fmt.Printf("daemon: stale lock (pid %d is gone); next start reclaims it\n", info.PID)
	}

	port := portFlag
	if port == 0 {
		port = lockfile.DefaultPort
	}
	fmt.Printf("home: %s\n", dir)
	fmt.Printf("probe start port: %d\n", port)
	return nil
}

// runUninstall removes the daemon's runtime files. The database stays;
// deleting user data is the operator's call, not ours.
func runUninstall() error {
	dir, err := consultHome()
	if err != nil {
		return err
	}

	if info, err := lockfile.Read(dir); err == nil && lockfile.IsLive(info) {
		return fmt.Errorf("daemon is running (pid %d); stop it before uninstalling", info.PID)
	}
	if err := lockfile.Remove(dir); err != nil {
		return err
	}

	fmt.Printf("removed runtime files under %s\n", dir)
	fmt.Printf("kept %s; delete it manually to drop all data\n", filepath.Join(dir, "data.db"))
	return nil
}
