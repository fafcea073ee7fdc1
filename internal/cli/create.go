package cli

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var createMembers []string

var createGroupCmd = &cobra.Command{
	Use:   "create-group",
	Short: "Create a new group, optionally inviting members who have already published a key package",
	RunE:  runCreateGroup,
}

var createDMPeer string

var createDMCmd = &cobra.Command{
	Use:   "create-dm",
	Short: "Create (or reuse) a direct-message conversation with a peer inbox id",
	RunE:  runCreateDM,
}

func init() {
	createGroupCmd.Flags().StringSliceVar(&createMembers, "member", nil, "inbox id to invite (repeatable)")
	rootCmd.AddCommand(createGroupCmd)

	createDMCmd.Flags().StringVar(&createDMPeer, "peer", "", "peer inbox id")
	rootCmd.AddCommand(createDMCmd)
}

func runCreateGroup(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	c, err := getClient(ctx, true)
	if err != nil {
		return err
	}
	defer c.Close()

	conv, err := c.CreateGroup(ctx, createMembers, time.Now().UnixNano())
	if err != nil {
		return err
	}
	fmt.Printf("Group created: %s\n", hex.EncodeToString(conv.GroupID()))
	if len(createMembers) > 0 {
		fmt.Printf("Invited: %v\n", createMembers)
	}
	return nil
}

func runCreateDM(cmd *cobra.Command, args []string) error {
	if createDMPeer == "" {
		return fmt.Errorf("--peer is required")
	}
	ctx := context.Background()
	c, err := getClient(ctx, true)
	if err != nil {
		return err
	}
	defer c.Close()

	conv, err := c.CreateDM(ctx, createDMPeer, time.Now().UnixNano())
	if err != nil {
		return err
	}
	fmt.Printf("DM with %s: %s\n", createDMPeer, hex.EncodeToString(conv.GroupID()))
	return nil
}
