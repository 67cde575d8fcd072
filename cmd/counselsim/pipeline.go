package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/hrygo/counselsim/plugin/ai/timeout"
	"github.com/hrygo/counselsim/server"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		instanceProfile, err := loadProfile()
		if err != nil {
			return err
		}
		storeInstance, err := openStore(cmd.Context(), instanceProfile)
		if err != nil {
			return err
		}
		defer storeInstance.Close()
		schemaVersion, err := storeInstance.GetCurrentSchemaVersion()
		if err != nil {
			return err
		}
		fmt.Printf("schema version %s\n", schemaVersion)
		return nil
	},
}

var finalizeCmd = &cobra.Command{
	Use:   "finalize <session-id>",
	Short: "Close a session and write its diary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		assignment, _ := cmd.Flags().GetString("assignment")
		return withPipeline(cmd.Context(), func(ctx context.Context, p *server.Pipeline) (any, error) {
			return p.Service.Finalize(ctx, args[0], assignment)
		})
	},
}

var prepareCmd = &cobra.Command{
	Use:   "prepare <session-id>",
	Short: "Generate the pre-session activity for a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(cmd.Context(), func(ctx context.Context, p *server.Pipeline) (any, error) {
			return p.Service.Prepare(ctx, args[0])
		})
	},
}

var ensureOutputsCmd = &cobra.Command{
	Use:   "ensure-outputs <session-id>",
	Short: "Regenerate whatever a finalized session is missing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(cmd.Context(), func(ctx context.Context, p *server.Pipeline) (any, error) {
			return p.Service.EnsureOutputs(ctx, args[0])
		})
	},
}

func init() {
	finalizeCmd.Flags().String("assignment", "", "homework assigned at the end of the session")
}

// withPipeline runs one pipeline operation and waits for the stages it detaches.
func withPipeline(ctx context.Context, op func(context.Context, *server.Pipeline) (any, error)) error {
	instanceProfile, err := loadProfile()
	if err != nil {
		return err
	}
	storeInstance, err := openStore(ctx, instanceProfile)
	if err != nil {
		return err
	}
	defer storeInstance.Close()

	pipeline, err := server.NewPipeline(instanceProfile, storeInstance)
	if err != nil {
		return err
	}

	result, opErr := op(ctx, pipeline)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), instanceProfile.BackgroundTimeout+timeout.ShutdownGracePeriod)
	defer cancel()
	if err := pipeline.Runner.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "background stages did not finish")
	}
	if opErr != nil {
		return opErr
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}
