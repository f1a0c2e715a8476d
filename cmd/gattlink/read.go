package main

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"
)

func newReadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "read <device-address>",
		Short: "Read a characteristic value",
		Long: `Reads a characteristic. Values longer than one response are read in
full with Read Blob requests.

Examples:
  # Read Battery Level as hex
  gattlink read E8:C9:8F:52:7B:07 --addr-type random --service 180f --char 2a19 --hex

  # Read Manufacturer Name, service resolved automatically
  gattlink read E8:C9:8F:52:7B:07 --char 2a29`,
		Args: cobra.ExactArgs(1),
		RunE: runRead,
	}
	cmd.Flags().String("service", "", "Service UUID (required if the characteristic UUID is ambiguous)")
	cmd.Flags().String("char", "", "Characteristic UUID")
	cmd.Flags().Bool("hex", false, "Output as hex string; raw bytes by default")
	return cmd
}

func runRead(cmd *cobra.Command, args []string) error {
	service, _ := cmd.Flags().GetString("service")
	char, _ := cmd.Flags().GetString("char")
	asHex, _ := cmd.Flags().GetBool("hex")
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
	data, err := s.client.Read(ctx, ch)
	if err != nil {
		return fmt.Errorf("failed to read characteristic: %w", err)
	}

	out := cmd.OutOrStdout()
	if asHex {
		fmt.Fprintln(out, hex.EncodeToString(data))
		return nil
	}
	_, err = out.Write(data)
	return err
}
