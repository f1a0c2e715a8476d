package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/srg/gattlink/internal/bledb"
	"github.com/srg/gattlink/internal/device"
)

func newWriteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "write <device-address>",
		Short: "Write a characteristic value",
		Long: `Writes hex data to a characteristic with a Write Request, or with a
Write Command when --no-response is given.

Examples:
  # Set Alert Level to high
  gattlink write E8:C9:8F:52:7B:07 --service 1802 --char 2a06 --data 02

  # Send bytes to a UART RX characteristic without response
  gattlink write E8:C9:8F:52:7B:07 --char 6e400002-b5a3-f393-e0a9-e50e24dcca9e --data "68 65 6c 6c 6f" --no-response`,
		Args: cobra.ExactArgs(1),
		RunE: runWrite,
	}
	cmd.Flags().String("service", "", "Service UUID (required if the characteristic UUID is ambiguous)")
	cmd.Flags().String("char", "", "Characteristic UUID")
	cmd.Flags().String("data", "", "Value as hex, spaces allowed")
	cmd.Flags().Bool("no-response", false, "Use Write Command (no acknowledgement)")
	return cmd
}

// parseHexData accepts "0102", "01 02" and "0x0102"
func parseHexData(s string) ([]byte, error) {
	clean := strings.ReplaceAll(strings.TrimSpace(s), " ", "")
	clean = strings.TrimPrefix(strings.TrimPrefix(clean, "0x"), "0X")
	if clean == "" {
		return nil, fmt.Errorf("no data to write: use --data")
	}
	data, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid hex data %q: %w", s, err)
	}
	return data, nil
}

func runWrite(cmd *cobra.Command, args []string) error {
	service, _ := cmd.Flags().GetString("service")
	char, _ := cmd.Flags().GetString("char")
	dataHex, _ := cmd.Flags().GetString("data")
	noResponse, _ := cmd.Flags().GetBool("no-response")

	data, err := parseHexData(dataHex)
	if err != nil {
		return err
	}
	if char == "" {
		return fmt.Errorf("characteristic UUID required: use --char")
	}

	s, err := openSession(cmd, args[0])
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()
	ch, err := s.characteristic(ctx, service, char)
	if err != nil {
		return err
	}
	if noResponse && !ch.Properties.Has(device.PropWriteNoResponse) {
		s.logger.WithField("char_uuid", ch.UUID).Warn("Characteristic does not advertise write-without-response")
	}
	if err := s.client.Write(ctx, ch, data, !noResponse); err != nil {
		return fmt.Errorf("failed to write characteristic: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d bytes to %s\n", len(data), bledb.Describe(ch.UUID, bledb.LookupCharacteristic))
	return nil
}
