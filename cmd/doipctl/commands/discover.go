package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/godoip/internal/dcm"
	"github.com/dantte-lp/godoip/internal/doip"
)

// Sentinel errors for discovery flags.
var (
	errVINAndEID       = errors.New("--vin and --eid are mutually exclusive")
	errDiscoveryFailed = errors.New("vehicle discovery failed")
)

func discoverCmd() *cobra.Command {
	var (
		vin string
		eid string
	)

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Broadcast a vehicle identification request",
		Long: "Sends a vehicle identification request to network.udp_broadcast_address " +
			"and lists every entity that answered within doip.discovery_timeout.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := buildVehicleInfoRequest(vin, eid)
			if err != nil {
				return err
			}

			return withClient(cmd.Context(), func(client *dcm.Client) error {
				res, vehicles := client.SendVehicleIdentificationRequest(cmd.Context(), req)
				switch res {
				case doip.VehicleStatusOk:
				case doip.VehicleNoResponseReceived:
					fmt.Fprintln(os.Stderr, "no vehicle responded")
				default:
					return fmt.Errorf("%w: %s", errDiscoveryFailed, res)
				}

				out, err := formatVehicles(vehicles, outputFormat)
				if err != nil {
					return fmt.Errorf("format vehicles: %w", err)
				}
				fmt.Print(out)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&vin, "vin", "", "only vehicles with this 17-character VIN answer")
	cmd.Flags().StringVar(&eid, "eid", "", "only the entity with this EID (aa:bb:cc:dd:ee:ff) answers")

	return cmd
}

// buildVehicleInfoRequest maps the preselection flags to a request.
// Value validation is left to the discovery conversation.
func buildVehicleInfoRequest(vin, eid string) (doip.VehicleInfoRequest, error) {
	switch {
	case vin != "" && eid != "":
		return doip.VehicleInfoRequest{}, errVINAndEID
	case vin != "":
		return doip.VehicleInfoRequest{PreselectionMode: doip.PreselectionVIN, PreselectionValue: vin}, nil
	case eid != "":
		return doip.VehicleInfoRequest{PreselectionMode: doip.PreselectionEID, PreselectionValue: eid}, nil
	default:
		return doip.VehicleInfoRequest{PreselectionMode: doip.PreselectionNone}, nil
	}
}
