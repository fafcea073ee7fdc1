package cli

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/germtb/corewire/internal/welcome"
)

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Process any welcomes published for this inbox, joining the groups they invite it to",
	RunE:  runJoin,
}

func init() {
	rootCmd.AddCommand(joinCmd)
}

func runJoin(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	c, err := getClient(ctx, true)
	if err != nil {
		return err
	}
	defer c.Close()

	tport, err := reopenNetworkTransport()
	if err != nil {
		return err
	}
	envs, err := tport.FetchWelcomes(ctx, []byte(c.InboxID()), 0)
	if err != nil {
		return err
	}
	if len(envs) == 0 {
		fmt.Println("No welcomes found.")
		return nil
	}

	joined := 0
	for _, env := range envs {
		w, err := c.UnsealWelcome(env.Payload)
		if err != nil {
			// Sealed to a different installation's init key; not ours.
			continue
		}

		creator := c.InboxID()
		if len(w.AdminList) > 0 {
			creator = w.AdminList[0]
		}
		// corewire-debug trusts every welcome delivered over --network: its
		// simulated transport has no signer PKI, so there is nothing to
		// verify beyond what ProcessWelcome's own dedup and membership
		// bookkeeping already does.
		in := welcome.Incoming{
			WelcomeID:        env.Sequence,
			InstallationKey:  c.InstallationKey(),
			Ciphertext:       env.Payload,
			SignerInboxID:    c.InboxID(),
			Welcome:          w,
			ConversationType: "group",
			CreatorInboxID:   creator,
		}
		alreadyProcessed, err := c.ProcessWelcome(ctx, in, nil, time.Now().UnixNano())
		if err != nil {
			return fmt.Errorf("process welcome: %w", err)
		}
		if !alreadyProcessed {
			joined++
			fmt.Printf("Joined group %s at epoch %d\n", hex.EncodeToString(w.GroupID), w.Epoch)
		}
	}
	if joined == 0 {
		fmt.Println("No new welcomes to join.")
	}
	return nil
}
