package cli

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"
)

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List conversations known to this installation",
	RunE:  runLs,
}

func init() {
	rootCmd.AddCommand(lsCmd)
}

func runLs(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	c, err := getClient(ctx, true)
	if err != nil {
		return err
	}
	defer c.Close()

	convs, err := c.Conversations(ctx)
	if err != nil {
		return err
	}
	if len(convs) == 0 {
		fmt.Println("No conversations.")
		return nil
	}

	fmt.Printf("Conversations (%d):\n\n", len(convs))
	for _, conv := range convs {
		state, err := conv.MembershipState(ctx)
		if err != nil {
			return err
		}
		admins, err := conv.AdminList(ctx)
		if err != nil {
			return err
		}
		name, _, _, err := conv.GroupMetadata(ctx)
		if err != nil {
			return err
		}
		label := name
		if label == "" {
			label = "(unnamed)"
		}
		fmt.Printf("  %s  %-10s  admins=%v  %s\n", hex.EncodeToString(conv.GroupID()), state, admins, label)
	}
	return nil
}
