package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/oshokin/overwatch/internal/service/client"
)

var (
	// submitFields holds the flag values of the submit command.
	submitFields struct {
		id, tenant, site, sourceType, sourceID, area, eventType, timestamp, payload string
	}
	// submitAttempts bounds retries while the server is unavailable.
	submitAttempts int

	submitCmd = &cobra.Command{
		Use:   "submit",
		Short: "Submit a manual event.",
		Long: `Sends one event to the ingest service and prints the response.

The source id defaults to user@host of the operator and the source type to
"manual". The timestamp defaults to now.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext()
			defer stop()

			fields, err := eventFields()
			if err != nil {
				return err
			}

			return client.Run(ctx, &client.Options{
				ConfigPath:    configPath,
				ServerAddress: serverAddress,
				Fields:        fields,
				Attempts:      submitAttempts,
				Output:        cmd.OutOrStdout(),
			})
		},
	}
)

func eventFields() (map[string]any, error) {
	fields := map[string]any{
		"tenant":      submitFields.tenant,
		"site":        submitFields.site,
		"source_type": submitFields.sourceType,
		"source_id":   submitFields.sourceID,
		"area":        submitFields.area,
		"type":        submitFields.eventType,
		"timestamp":   submitFields.timestamp,
	}

	if submitFields.id != "" {
		fields["id"] = submitFields.id
	}

	if submitFields.timestamp == "" {
		fields["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	}

	if submitFields.payload != "" {
		var payload map[string]any
		if err := json.Unmarshal([]byte(submitFields.payload), &payload); err != nil {
			return nil, fmt.Errorf("parse --payload: %w", err)
		}

		fields["payload"] = payload
	}

	return fields, nil
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	flags := submitCmd.Flags()
	flags.StringVar(&submitFields.id, "id", "", "event id (generated by the server when empty)")
	flags.StringVar(&submitFields.tenant, "tenant", "", "tenant")
	flags.StringVar(&submitFields.site, "site", "", "site")
	flags.StringVar(&submitFields.sourceType, "source-type", "", "source type (default manual)")
	flags.StringVar(&submitFields.sourceID, "source-id", "", "source id (default user@host)")
	flags.StringVar(&submitFields.area, "area", "", "area within the site")
	flags.StringVar(&submitFields.eventType, "type", "", "event type")
	flags.StringVar(&submitFields.timestamp, "timestamp", "", "RFC 3339 time or unix seconds (default now)")
	flags.StringVar(&submitFields.payload, "payload", "", "JSON object with extra fields")
	flags.IntVar(&submitAttempts, "attempts", 5, "attempts while the server is unavailable")

	for _, name := range []string{"tenant", "site", "type"} {
		if err := submitCmd.MarkFlagRequired(name); err != nil {
			panic(err)
		}
	}
}
