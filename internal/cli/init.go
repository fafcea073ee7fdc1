package cli

import (
	"context"
	"crypto/sha256"
	"fmt"

	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a new installation under --state-dir and publish its key package",
	RunE:  runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	if flagInboxID == "" {
		return fmt.Errorf("--inbox-id is required for init")
	}
	if err := saveInboxID(flagStateDir, flagInboxID); err != nil {
		return err
	}

	c, err := getClient(ctx, false)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.PublishKeyPackage(ctx); err != nil {
		return fmt.Errorf("publish key package: %w", err)
	}

	fp := sha256.Sum256(c.InstallationKey())
	fmt.Printf("Installation created for inbox '%s'\n", c.InboxID())
	fmt.Printf("Installation key fingerprint: %x\n", fp[:8])
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  corewire-debug create-group")
	fmt.Println("  corewire-debug --inbox-id <peer> init   (so peers can add you to a group)")

	return nil
}
