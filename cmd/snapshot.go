package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// CreateSnapshotCmd creates the snapshot command.
func CreateSnapshotCmd() *cobra.Command {
	var flags pipelineFlags
	var out string
	var width, height int
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Capture one JPEG frame",
		Long: `Connects to a device, streams until the first frame is encoded, writes it ` +
			`to the output file and disconnects.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			mgr, sess, cleanup, err := flags.open(ctx, "snapshot")
			if err != nil {
				return err
			}
			defer cleanup()

			if err := mgr.StartStream(sess.ID(), width, height); err != nil {
				return fmt.Errorf("start stream: %w", err)
			}
			feed, err := mgr.FrameFeed(sess.ID())
			if err != nil {
				return err
			}
			frame, err := feed.Next(ctx)
			if err != nil {
				return fmt.Errorf("waiting for first frame: %w", err)
			}
			if err := mgr.StopStream(sess.ID()); err != nil {
				return fmt.Errorf("stop stream: %w", err)
			}

			if err := os.WriteFile(out, frame.Data, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %dx%d, %d bytes, frame %d from %s\n",
				out, frame.Width, frame.Height, len(frame.Data), frame.Seq, sess.Device().SerialNumber)
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVarP(&out, "out", "o", "snapshot.jpg", "Output JPEG file")
	cmd.Flags().IntVar(&width, "width", 0, "Output width; 0 keeps the sensor width or follows the aspect ratio")
	cmd.Flags().IntVar(&height, "height", 0, "Output height; 0 keeps the sensor height or follows the aspect ratio")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Give up when no frame arrives in time")
	return cmd
}
