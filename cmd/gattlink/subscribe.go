package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"
	"github.com/srg/gattlink/internal/dispatch"
)

func newSubscribeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscribe <device-address>",
		Short: "Stream characteristic notifications",
		Long: `Subscribes to a characteristic and prints every value it pushes, one per
line, until --count values arrived, Ctrl+C, or the link drops.

Examples:
  # Heart rate measurements as hex
  gattlink subscribe E8:C9:8F:52:7B:07 --service 180d --char 2a37 --hex

  # First 10 indications
  gattlink subscribe E8:C9:8F:52:7B:07 --char 2a1c --indicate --count 10`,
		Args: cobra.ExactArgs(1),
		RunE: runSubscribe,
	}
	cmd.Flags().String("service", "", "Service UUID (required if the characteristic UUID is ambiguous)")
	cmd.Flags().String("char", "", "Characteristic UUID")
	cmd.Flags().Int("count", 0, "Stop after this many values (0 = no limit)")
	cmd.Flags().Bool("indicate", false, "Subscribe for indications instead of notifications")
	cmd.Flags().Bool("hex", false, "Output as hex string; raw bytes by default")
	return cmd
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	service, _ := cmd.Flags().GetString("service")
	char, _ := cmd.Flags().GetString("char")
	count, _ := cmd.Flags().GetInt("count")
	indicate, _ := cmd.Flags().GetBool("indicate")
	asHex, _ := cmd.Flags().GetBool("hex")
	if char == "" {
		return fmt.Errorf("characteristic UUID required: use --char")
	}
	if count < 0 {
		return fmt.Errorf("--count must not be negative, got %d", count)
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

	mode := dispatch.ModeAuto
	if indicate {
		mode = dispatch.ModeIndicate
	}

	out := cmd.OutOrStdout()
	done := make(chan struct{})
	var once sync.Once
	received := 0
	listener := func(n dispatch.Notification) {
		if count > 0 && received >= count {
			return
		}
		received++
		printValue(out, n.Value, asHex)
		if count > 0 && received == count {
			once.Do(func() { close(done) })
		}
	}

	if err := s.client.Subscribe(ctx, ch, listener, mode); err != nil {
		return err
	}
	s.logger.WithField("char_uuid", ch.UUID).Info("Subscribed")

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.client.Done():
		return ErrConnectionLost
	}
}

func printValue(out io.Writer, data []byte, asHex bool) {
	if asHex {
		fmt.Fprintln(out, hex.EncodeToString(data))
		return
	}
	_, _ = out.Write(data)
	fmt.Fprintln(out)
}
