package commands

import (
	"fmt"
	"os"

	"github.com/gafferhq/gaffer/pkg/blackboard"
	"github.com/gafferhq/gaffer/pkg/eventbus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var (
	version string
	commit  string
	date    string
)

// Global flags shared by every subcommand that talks to an instance.
var (
	instanceName string
	redisURL     string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "gaffer",
	Short: "Gaffer - event-driven content pipeline coordinator",
	Long: `Gaffer coordinates multi-stage content-generation pipelines over a
shared Redis blackboard: a versioned project store, a durable ordered
event log, budget enforcement, and three-tier failure escalation.

Every state change flows through the event log, so any run can be
watched live, replayed after the fact, and traced cause-by-cause.`,
	Version: version,
	// If no subcommand is specified, show help
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	// Silence Cobra's default error and usage printing
	// We print formatted colored errors directly in the printer package
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&instanceName, "name", "n", "", "Target instance name (defaults to $GAFFER_INSTANCE_NAME)")
	rootCmd.PersistentFlags().StringVar(&redisURL, "redis-url", "", "Redis URL (defaults to $REDIS_URL, then redis://localhost:6379)")
}

// resolveInstance returns the target instance name from the flag or
// environment, erroring when neither is set.
func resolveInstance() (string, error) {
	if instanceName != "" {
		return instanceName, nil
	}
	if name := os.Getenv("GAFFER_INSTANCE_NAME"); name != "" {
		return name, nil
	}
	return "", fmt.Errorf("no instance name: pass --name or set GAFFER_INSTANCE_NAME")
}

// resolveRedisOptions parses the Redis connection target from the flag or
// environment, defaulting to a local Redis.
func resolveRedisOptions() (*redis.Options, error) {
	url := redisURL
	if url == "" {
		url = os.Getenv("REDIS_URL")
	}
	if url == "" {
		url = "redis://localhost:6379"
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL %q: %w", url, err)
	}
	return opts, nil
}

// connect opens a blackboard store and event bus for the target instance.
// The caller owns both and must Close them.
func connect() (*blackboard.Store, *eventbus.Bus, error) {
	name, err := resolveInstance()
	if err != nil {
		return nil, nil, err
	}

	opts, err := resolveRedisOptions()
	if err != nil {
		return nil, nil, err
	}

	store, err := blackboard.NewStore(opts, name)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create blackboard store: %w", err)
	}

	bus, err := eventbus.NewBus(opts, name)
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("failed to create event bus: %w", err)
	}

	return store, bus, nil
}
