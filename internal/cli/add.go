package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	addGroup   string
	addMembers []string
)

var addCmd = &cobra.Command{
	Use:   "add-members",
	Short: "Add members to a group, consuming their published key packages and publishing a welcome",
	RunE:  runAddMembers,
}

func init() {
	addCmd.Flags().StringVar(&addGroup, "group", "", "hex-encoded group id (see 'ls')")
	addCmd.Flags().StringSliceVar(&addMembers, "member", nil, "inbox id to add (repeatable)")
	rootCmd.AddCommand(addCmd)
}

func runAddMembers(cmd *cobra.Command, args []string) error {
	groupID, err := parseGroupID(addGroup)
	if err != nil {
		return err
	}
	if len(addMembers) == 0 {
		return fmt.Errorf("at least one --member is required")
	}

	ctx := context.Background()
	c, err := getClient(ctx, true)
	if err != nil {
		return err
	}
	defer c.Close()

	conv, err := c.Conversation(ctx, groupID)
	if err != nil {
		return err
	}
	commit, err := conv.AddMembers(ctx, addMembers, time.Now().UnixNano())
	if err != nil {
		return err
	}
	fmt.Printf("Added %v (commit type: %s)\n", addMembers, commit.Type)
	return nil
}
