package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	consentEntityType string
	consentEntity     string
	consentState      string
)

var consentCmd = &cobra.Command{
	Use:   "consent",
	Short: "Get or set the consent state for an inbox or group entity",
	RunE:  runConsent,
}

func init() {
	consentCmd.Flags().StringVar(&consentEntityType, "entity-type", "inbox", "\"inbox\" or \"group\"")
	consentCmd.Flags().StringVar(&consentEntity, "entity", "", "the inbox id or hex-encoded group id")
	consentCmd.Flags().StringVar(&consentState, "state", "", "\"allowed\" or \"denied\"; omit to only read the current state")
	rootCmd.AddCommand(consentCmd)
}

func runConsent(cmd *cobra.Command, args []string) error {
	if consentEntity == "" {
		return fmt.Errorf("--entity is required")
	}

	ctx := context.Background()
	c, err := getClient(ctx, true)
	if err != nil {
		return err
	}
	defer c.Close()

	if consentState != "" {
		if err := c.SetConsentState(ctx, consentEntityType, consentEntity, consentState, time.Now().UnixNano()); err != nil {
			return err
		}
	}
	state, err := c.GetConsentState(ctx, consentEntityType, consentEntity)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s: %s\n", consentEntityType, consentEntity, state)
	return nil
}
