package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/godoip/internal/dcm"
	"github.com/dantte-lp/godoip/internal/doip"
)

// errConnectFailed is returned when routing activation does not succeed.
var errConnectFailed = errors.New("connect failed")

func conversationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversation",
		Aliases: []string{"conv"},
		Short:   "Inspect configured diagnostic conversations",
	}

	cmd.AddCommand(conversationListCmd())
	cmd.AddCommand(conversationConnectCmd())

	return cmd
}

// --- conversation list ---

func conversationListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured conversations",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			out, err := formatConversations(conversationsToView(cfg.Conversations, cfg.DoIP.TCPPort), outputFormat)
			if err != nil {
				return fmt.Errorf("format conversations: %w", err)
			}
			fmt.Print(out)
			return nil
		},
	}
}

// --- conversation connect ---

func conversationConnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect <name>",
		Short: "Open the TCP connection and run routing activation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(client *dcm.Client) error {
				conv, err := client.Conversation(args[0])
				if err != nil {
					return err
				}

				res := conv.ConnectToDiagServer(cmd.Context())
				view := connectView{
					Conversation: conv.Name(),
					Result:       res.String(),
					State:        conv.ClientDiagState().String(),
				}
				if res == doip.ConnectSuccess {
					view.Disconnect = conv.DisconnectFromDiagServer().String()
				}

				out, err := formatConnect(view, outputFormat)
				if err != nil {
					return fmt.Errorf("format connect result: %w", err)
				}
				fmt.Print(out)

				if res != doip.ConnectSuccess {
					return fmt.Errorf("%w: %s", errConnectFailed, res)
				}
				return nil
			})
		},
	}
}
