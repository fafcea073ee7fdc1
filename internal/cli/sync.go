package cli

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	corewire "github.com/germtb/corewire/client"
)

var syncGroup string

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Pull new commits and messages for a group (or every group) from the network",
	RunE:  runSync,
}

func init() {
	syncCmd.Flags().StringVar(&syncGroup, "group", "", "hex-encoded group id; syncs every conversation if omitted")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	c, err := getClient(ctx, true)
	if err != nil {
		return err
	}
	defer c.Close()

	var convs []*corewire.Conversation
	if syncGroup != "" {
		groupID, err := parseGroupID(syncGroup)
		if err != nil {
			return err
		}
		conv, err := c.Conversation(ctx, groupID)
		if err != nil {
			return err
		}
		convs = append(convs, conv)
	} else {
		all, err := c.Conversations(ctx)
		if err != nil {
			return err
		}
		convs = all
	}

	for _, conv := range convs {
		if err := conv.Sync(ctx, 0); err != nil {
			return err
		}
		msgs, err := conv.FindMessages(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d message(s) total\n", hex.EncodeToString(conv.GroupID()), len(msgs))
	}
	return nil
}
