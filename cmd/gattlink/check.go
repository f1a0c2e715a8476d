package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/gattlink/internal/bledb"
	"github.com/srg/gattlink/internal/device"
)

func newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <device-address>",
		Short: "Connect and check that a service and characteristic exist",
		Long: `Connects, checks the service, discovers the characteristic, optionally
reads it, then disconnects and reports the disconnect status.

Examples:
  # Battery level on a device with a random address
  gattlink check E8:C9:8F:52:7B:07 --addr-type random --service 180f --char 2a19

  # Same, with the value, as JSON
  gattlink check E8:C9:8F:52:7B:07 --addr-type random --read --json`,
		Args: cobra.ExactArgs(1),
		RunE: runCheck,
	}
	cmd.Flags().String("service", "180f", "Service UUID")
	cmd.Flags().String("char", "2a19", "Characteristic UUID")
	cmd.Flags().Bool("read", false, "Read the characteristic value")
	cmd.Flags().Bool("json", false, "Output as JSON")
	return cmd
}

// checkReport is the result of a check command
type checkReport struct {
	Address          string      `json:"address"`
	AddressType      string      `json:"address_type"`
	MTU              int         `json:"mtu"`
	Service          serviceInfo `json:"service"`
	Characteristic   *charInfo   `json:"characteristic,omitempty"`
	Value            string      `json:"value,omitempty"`
	DisconnectStatus int         `json:"disconnect_status"`
}

type serviceInfo struct {
	UUID   string `json:"uuid"`
	Name   string `json:"name,omitempty"`
	Exists bool   `json:"exists"`
}

type charInfo struct {
	UUID       string `json:"uuid"`
	Name       string `json:"name,omitempty"`
	Handle     uint16 `json:"handle"`
	Properties string `json:"properties"`
}

func runCheck(cmd *cobra.Command, args []string) error {
	service, _ := cmd.Flags().GetString("service")
	char, _ := cmd.Flags().GetString("char")
	doRead, _ := cmd.Flags().GetBool("read")
	asJSON, _ := cmd.Flags().GetBool("json")

	serviceUUID, err := device.NormalizeUUID(service)
	if err != nil {
		return err
	}
	if _, err := device.NormalizeUUID(char); err != nil {
		return err
	}

	s, err := openSession(cmd, args[0])
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	addr := s.client.Address()
	report := checkReport{
		Address:     addr.MAC,
		AddressType: string(addr.Type),
		MTU:         s.client.MTU(),
		Service:     serviceInfo{UUID: serviceUUID, Name: bledb.LookupService(serviceUUID)},
	}

	checkErr := func() error {
		exists, err := s.client.ServiceExists(ctx, serviceUUID)
		if err != nil {
			return err
		}
		report.Service.Exists = exists
		if !exists {
			return &device.NotFoundError{Resource: "service", UUIDs: []string{service}}
		}

		ch, err := s.client.FindCharacteristicAsync(ctx, serviceUUID, char)
		if err != nil {
			return err
		}
		report.Characteristic = &charInfo{
			UUID:       ch.UUID,
			Name:       bledb.LookupCharacteristic(ch.UUID),
			Handle:     ch.ValueHandle,
			Properties: ch.Properties.String(),
		}

		if doRead {
			value, err := s.client.Read(ctx, ch)
			if err != nil {
				return err
			}
			report.Value = hex.EncodeToString(value)
		}
		return nil
	}()

	report.DisconnectStatus = s.Close()

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		printCheckReport(out, report)
	}
	return checkErr
}

func printCheckReport(out io.Writer, r checkReport) {
	ok := color.New(color.FgGreen).SprintFunc()
	bad := color.New(color.FgRed).SprintFunc()

	fmt.Fprintf(out, "Device:         %s (%s)\n", r.Address, r.AddressType)
	fmt.Fprintf(out, "MTU:            %d\n", r.MTU)

	state := bad("missing")
	if r.Service.Exists {
		state = ok("present")
	}
	fmt.Fprintf(out, "Service:        %s %s\n", bledb.Describe(r.Service.UUID, bledb.LookupService), state)

	if c := r.Characteristic; c != nil {
		fmt.Fprintf(out, "Characteristic: %s handle=0x%04x props=%s\n",
			bledb.Describe(c.UUID, bledb.LookupCharacteristic), c.Handle, c.Properties)
	}
	if r.Value != "" {
		fmt.Fprintf(out, "Value:          %s\n", r.Value)
	}
	fmt.Fprintf(out, "Disconnected:   status %d\n", r.DisconnectStatus)
}
