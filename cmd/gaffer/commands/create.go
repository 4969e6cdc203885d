package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gafferhq/gaffer/internal/budget"
	"github.com/gafferhq/gaffer/internal/config"
	"github.com/gafferhq/gaffer/internal/printer"
	"github.com/gafferhq/gaffer/internal/watch"
	"github.com/gafferhq/gaffer/pkg/blackboard"
	"github.com/gafferhq/gaffer/pkg/eventbus"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	createProjectID string
	createDuration  float64
	createTier      string
	createSpecFile  string
	createConfig    string
	createWatch     bool
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new pipeline project",
	Long: `Create a new pipeline project on the blackboard.

The project's budget is allocated up front from the requested duration and
quality tier (duration x base_rate_per_second x tier_multiplier), then a
PROJECT_CREATED event is published for the orchestrator to pick up.

Examples:
  # 90 seconds at the standard tier
  gaffer create --duration 90

  # Premium tier with an explicit project ID and spec
  gaffer create --id launch-teaser --duration 30 --tier premium --spec teaser.json

  # Wait until the orchestrator starts dispatching
  gaffer create --duration 90 --watch`,
	RunE: runCreate,
}

func init() {
	createCmd.Flags().StringVar(&createProjectID, "id", "", "Project ID (random if omitted)")
	createCmd.Flags().Float64VarP(&createDuration, "duration", "d", 0, "Target content duration in seconds (required)")
	createCmd.Flags().StringVarP(&createTier, "tier", "t", "standard", "Quality tier (draft, standard, high, premium)")
	createCmd.Flags().StringVarP(&createSpecFile, "spec", "s", "", "Path to a JSON global spec for the project")
	createCmd.Flags().StringVarP(&createConfig, "config", "c", "gaffer.yml", "Path to gaffer.yml")
	createCmd.Flags().BoolVarP(&createWatch, "watch", "w", false, "Wait for the orchestrator to start the project")
	createCmd.MarkFlagRequired("duration")
	rootCmd.AddCommand(createCmd)
}

func runCreate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	tier := blackboard.QualityTier(createTier)
	if err := tier.Validate(); err != nil {
		return printer.Error(
			"invalid quality tier",
			fmt.Sprintf("Unknown tier: %s", createTier),
			[]string{"Valid tiers: draft, standard, high, premium"},
		)
	}

	globalSpec := json.RawMessage("{}")
	if createSpecFile != "" {
		data, err := os.ReadFile(createSpecFile)
		if err != nil {
			return fmt.Errorf("failed to read spec file: %w", err)
		}
		if !json.Valid(data) {
			return printer.Error(
				"invalid spec file",
				fmt.Sprintf("%s is not valid JSON.", createSpecFile),
				nil,
			)
		}
		globalSpec = data
	}

	cfg, err := config.Load(createConfig)
	if err != nil {
		return printer.Error(
			"failed to load configuration",
			fmt.Sprintf("Error: %v", err),
			[]string{"Check the config path:\n  gaffer create --config path/to/gaffer.yml"},
		)
	}

	store, bus, err := connect()
	if err != nil {
		return err
	}
	defer store.Close()
	defer bus.Close()

	if err := store.Ping(ctx); err != nil {
		return printer.Error(
			"Redis connection failed",
			fmt.Sprintf("Error: %v", err),
			[]string{"Check the Redis URL:\n  gaffer create --redis-url redis://host:port"},
		)
	}

	projectID := createProjectID
	if projectID == "" {
		projectID = uuid.New().String()
	}

	ledger := budget.NewLedger(store, bus, cfg)
	allocated, err := ledger.Allocate(createDuration, tier)
	if err != nil {
		return fmt.Errorf("failed to allocate budget: %w", err)
	}

	project := &blackboard.Project{
		ID:         projectID,
		Status:     blackboard.ProjectStatusCreated,
		GlobalSpec: globalSpec,
		Budget:     allocated,
	}

	if _, err := store.CreateProject(ctx, project, "gaffer-cli"); err != nil {
		if errors.Is(err, blackboard.ErrAlreadyExists) {
			return printer.Error(
				"project already exists",
				fmt.Sprintf("A project with ID %s already exists on instance '%s'.", projectID, store.InstanceName()),
				[]string{"Choose a different ID:\n  gaffer create --id <new-id> ..."},
			)
		}
		return fmt.Errorf("failed to create project: %w", err)
	}

	eventID, err := bus.Publish(ctx, &eventbus.Event{
		ProjectID: projectID,
		Type:      eventbus.TypeProjectCreated,
		Actor:     "gaffer-cli",
		Payload: eventbus.MustMarshalPayload(&eventbus.ProjectCreatedPayload{
			DurationSeconds: createDuration,
			QualityTier:     string(tier),
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to publish creation event: %w", err)
	}

	printer.Success("Project created\n")
	printer.Printf("  Project ID: %s\n", projectID)
	printer.Printf("  Event ID:   %s\n", eventID)
	printer.Printf("  Budget:     %.2f (%s tier, %.0fs)\n", allocated.Total, tier, createDuration)

	if !createWatch {
		return nil
	}

	printer.Step("Waiting for orchestrator...\n")
	if _, err := watch.PollForStatus(ctx, store, projectID, blackboard.ProjectStatusInProgress, 30*time.Second); err != nil {
		return printer.Error(
			"orchestrator did not pick up the project",
			fmt.Sprintf("Error: %v", err),
			[]string{"Check the orchestrator is running for this instance."},
		)
	}
	printer.Success("Orchestrator dispatching tasks\n")

	return nil
}
