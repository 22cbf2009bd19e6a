package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/shoe-studio/api/internal/platform/auth"
	"github.com/shoe-studio/api/internal/services"
)

func newGenerateCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate <text>",
		Short: "Send a design request through the generation pipeline and print the mapping",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenerate(cmd, flags, strings.Join(args, " "))
		},
	}

	cmd.Flags().String("endpoint", "http://127.0.0.1:8080/api/v1/functions/generate-shoe-colors", "Generation function URL")
	cmd.Flags().Duration("timeout", 10*time.Second, "Hard deadline for the generation call")
	cmd.Flags().Bool("json", false, "Print the mapping as JSON")
	cmd.Flags().String("signing-secret", "", "HMAC secret shared with the designer route (or $API_GENERATION_SIGNING_SECRET)")

	return cmd
}

func runGenerate(cmd *cobra.Command, flags *rootFlags, text string) error {
	cat, err := flags.loadCatalog()
	if err != nil {
		return err
	}
	deps := services.GenerationPipelineDeps{
		Catalog:  cat,
		Endpoint: flags.v.GetString("endpoint"),
		Timeout:  flags.v.GetDuration("timeout"),
	}
	if secret := strings.TrimSpace(flags.v.GetString("signing-secret")); secret != "" {
		signer, err := auth.NewSigner(secret)
		if err != nil {
			return err
		}
		deps.Signer = signer
	}
	pipeline, err := services.NewGenerationPipeline(deps)
	if err != nil {
		return err
	}

	result, err := pipeline.Generate(cmd.Context(), text)
	if err != nil {
		var genErr *services.GenerationError
		if errors.As(err, &genErr) {
			return fmt.Errorf("%s: %w", genErr.UserMessage(), err)
		}
		return err
	}

	out := cmd.OutOrStdout()
	if flags.v.GetBool("json") {
		payload := make(map[string]string, len(result.Mapping))
		for part, color := range result.Mapping {
			payload[string(part)] = string(color)
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(payload)
	}

	fmt.Fprintf(out, "mode: %s (%s)\n", result.Mode, result.Latency.Round(time.Millisecond))
	for _, part := range result.Mapping.Parts() {
		fmt.Fprintf(out, "%s=%s\n", part, result.Mapping[part])
	}
	return nil
}
