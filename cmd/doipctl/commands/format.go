// Package commands implements the doipctl CLI commands.
package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/dantte-lp/godoip/internal/config"
	"github.com/dantte-lp/godoip/internal/doip"
)

const (
	formatJSON  = "json"
	formatTable = "table"
	formatYAML  = "yaml"
	valueNA     = "N/A"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// --- View types for structured output ---

type vehicleView struct {
	IPAddress      string `json:"ip_address"      yaml:"ip_address"`
	LogicalAddress string `json:"logical_address" yaml:"logical_address"`
	VIN            string `json:"vin"             yaml:"vin"`
	EID            string `json:"eid"             yaml:"eid"`
	GID            string `json:"gid"             yaml:"gid"`
}

type conversationView struct {
	Name          string `json:"name"           yaml:"name"`
	SourceAddress string `json:"source_address" yaml:"source_address"`
	TargetAddress string `json:"target_address" yaml:"target_address"`
	Target        string `json:"target"         yaml:"target"`
}

type connectView struct {
	Conversation string `json:"conversation"         yaml:"conversation"`
	Result       string `json:"result"               yaml:"result"`
	State        string `json:"state"                yaml:"state"`
	Disconnect   string `json:"disconnect,omitempty" yaml:"disconnect,omitempty"`
}

type diagView struct {
	Conversation string `json:"conversation"       yaml:"conversation"`
	Target       string `json:"target_address"     yaml:"target_address"`
	Request      string `json:"request"            yaml:"request"`
	Result       string `json:"result"             yaml:"result"`
	Response     string `json:"response,omitempty" yaml:"response,omitempty"`
}

func vehiclesToView(vehicles []doip.VehicleAddrInfo) []vehicleView {
	views := make([]vehicleView, 0, len(vehicles))
	for _, v := range vehicles {
		views = append(views, vehicleView{
			IPAddress:      v.IPAddress.String(),
			LogicalAddress: doip.FormatLogicalAddress(v.LogicalAddress),
			VIN:            v.VIN,
			EID:            v.EID,
			GID:            v.GID,
		})
	}
	return views
}

func conversationsToView(convs []config.ConversationConfig, port uint16) []conversationView {
	views := make([]conversationView, 0, len(convs))
	for _, c := range convs {
		target := valueNA
		if ap, err := c.TargetAddrPort(port); err == nil {
			target = ap.String()
		}
		views = append(views, conversationView{
			Name:          c.Name,
			SourceAddress: doip.FormatLogicalAddress(c.SourceAddress),
			TargetAddress: doip.FormatLogicalAddress(c.TargetAddress),
			Target:        target,
		})
	}
	return views
}

// --- Format dispatch ---

// formatVehicles renders discovered vehicles in the requested format.
func formatVehicles(vehicles []doip.VehicleAddrInfo, format string) (string, error) {
	views := vehiclesToView(vehicles)
	if format == formatTable {
		return formatVehiclesTable(views)
	}
	return formatStructured(views, format)
}

// formatConversations renders the configured conversations.
func formatConversations(views []conversationView, format string) (string, error) {
	if format == formatTable {
		return formatConversationsTable(views)
	}
	return formatStructured(views, format)
}

// formatConnect renders the outcome of a routing activation.
func formatConnect(v connectView, format string) (string, error) {
	if format == formatTable {
		return formatDetail([][2]string{
			{"Conversation", v.Conversation},
			{"Result", v.Result},
			{"State", v.State},
			{"Disconnect", orNA(v.Disconnect)},
		})
	}
	return formatStructured(v, format)
}

// formatDiag renders one request/response exchange.
func formatDiag(v diagView, format string) (string, error) {
	if format == formatTable {
		return formatDetail([][2]string{
			{"Conversation", v.Conversation},
			{"Target Address", v.Target},
			{"Request", v.Request},
			{"Result", v.Result},
			{"Response", orNA(v.Response)},
		})
	}
	return formatStructured(v, format)
}

// formatStructured marshals v as JSON or YAML.
func formatStructured(v any, format string) (string, error) {
	switch format {
	case formatJSON:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal to JSON: %w", err)
		}
		return string(data) + "\n", nil
	case formatYAML:
		data, err := yaml.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("marshal to YAML: %w", err)
		}
		return string(data), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// --- Table formatters ---

func formatVehiclesTable(views []vehicleView) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "IP\tLOGICAL-ADDRESS\tVIN\tEID\tGID")

	for _, v := range views {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", v.IPAddress, v.LogicalAddress, v.VIN, v.EID, v.GID)
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}
	return buf.String(), nil
}

func formatConversationsTable(views []conversationView) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSOURCE\tTARGET\tENTITY")

	for _, v := range views {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", v.Name, v.SourceAddress, v.TargetAddress, v.Target)
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}
	return buf.String(), nil
}

func formatDetail(rows [][2]string) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	for _, r := range rows {
		fmt.Fprintf(w, "%s:\t%s\n", r[0], r[1])
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}
	return buf.String(), nil
}

func orNA(s string) string {
	if s == "" {
		return valueNA
	}
	return s
}
