package commands

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/godoip/internal/config"
	"github.com/dantte-lp/godoip/internal/dcm"
	"github.com/dantte-lp/godoip/internal/doip"
)

// errDiagFailed is returned when a diagnostic request does not succeed.
var errDiagFailed = errors.New("diagnostic request failed")

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <conversation> <uds-bytes...>",
		Short: "Send one UDS request and print the response",
		Long: "Connects the named conversation, sends the UDS request given as hex " +
			"bytes (for example: 10 03), and waits for the final response.",
		Example: "  doipctl send engine 10 03\n  doipctl send engine 22:f1:90",
		Args:    cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := config.ParseHexBytes(strings.Join(args[1:], " "))
			if err != nil {
				return fmt.Errorf("parse request: %w", err)
			}

			return withClient(cmd.Context(), func(client *dcm.Client) error {
				conv, err := client.Conversation(args[0])
				if err != nil {
					return err
				}

				if res := conv.ConnectToDiagServer(cmd.Context()); res != doip.ConnectSuccess {
					return fmt.Errorf("%w: %s", errConnectFailed, res)
				}
				defer conv.DisconnectFromDiagServer()

				res, resp := conv.SendDiagnosticRequest(cmd.Context(), payload)
				view := diagView{
					Conversation: conv.Name(),
					Target:       doip.FormatLogicalAddress(conv.Config().TargetAddress),
					Request:      doip.FormatHex(payload),
					Result:       res.String(),
					Response:     doip.FormatHex(resp),
				}

				out, err := formatDiag(view, outputFormat)
				if err != nil {
					return fmt.Errorf("format response: %w", err)
				}
				fmt.Print(out)

				if res != doip.DiagSuccess {
					return fmt.Errorf("%w: %s", errDiagFailed, res)
				}
				return nil
			})
		},
	}
}
