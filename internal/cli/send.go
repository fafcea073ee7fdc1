package cli

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/germtb/corewire/internal/contenttype"
)

var (
	sendGroup string
	sendText  string
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a text message to a group and publish it",
	RunE:  runSend,
}

func init() {
	sendCmd.Flags().StringVar(&sendGroup, "group", "", "hex-encoded group id (see 'ls')")
	sendCmd.Flags().StringVar(&sendText, "text", "", "message body")
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	groupID, err := parseGroupID(sendGroup)
	if err != nil {
		return err
	}
	if sendText == "" {
		return fmt.Errorf("--text is required")
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

	content := contenttype.Content{Text: &contenttype.TextContent{Body: sendText}}
	msgID, err := conv.Send(ctx, content, c.InboxID(), time.Now().UnixNano())
	if err != nil {
		return err
	}
	if err := conv.PublishMessages(ctx); err != nil {
		return err
	}
	fmt.Printf("Sent message %s\n", hex.EncodeToString(msgID))
	return nil
}
