package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/roasbeef/xosc/internal/router"
	"github.com/roasbeef/xosc/internal/transport"
	"github.com/roasbeef/xosc/internal/wire"
)

var shutdownTimeout time.Duration

// shutdownCmd asks a running pool to drain and stop.
var shutdownCmd = &cobra.Command{
	Use:   "shutdown <pool-address>",
	Short: "Gracefully shut down a running pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		target, err := wire.ParseAddress(args[0])
		if err != nil {
			return err
		}

		// A throwaway client node. It must listen somewhere the pool
		// can dial back for the acknowledgement, so the reply
		// endpoint is derived from the target scheme.
		clientAddr, err := replyAddress(target)
		if err != nil {
			return err
		}

		rt := router.New(router.Config{
			LocalAddress: clientAddr,
			Transport: transport.Config{
				ProcessID: uuid.NewString(),
			},
		})
		if err := rt.Start(); err != nil {
			return err
		}
		clientAddr = rt.LocalAddress()

		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()
		defer rt.Stop(ctx)

		payload, err := wire.EncodeControl(&wire.ControlMsg{
			Op: wire.ControlShutdownPool,
		})
		if err != nil {
			return err
		}

		env := &wire.Envelope{
			Kind:    wire.KindControl,
			From:    wire.ActorRef{Address: clientAddr.String()},
			To:      wire.ActorRef{Address: target.String()},
			Payload: payload,
		}

		if _, err := rt.Ask(ctx, env).Await(ctx).Unpack(); err != nil {
			return fmt.Errorf("pool shutdown failed: %w", err)
		}

		fmt.Printf("Pool %s is shutting down\n", target)

		return nil
	},
}

// replyAddress picks a dialable listen endpoint for the one-shot client,
// matched to the target's transport.
func replyAddress(target wire.Address) (wire.Address, error) {
	switch target.Scheme {
	case wire.SchemeUnix:
		return wire.ParseAddress(fmt.Sprintf(
			"unix://%s/xoscd-cli-%s.sock",
			os.TempDir(), uuid.NewString(),
		))

	case wire.SchemeTCP:
		// Port 0: the router adopts the assigned port after listen.
		return wire.ParseAddress("tcp://127.0.0.1:0")

	default:
		return wire.ParseAddress(
			"inproc://xoscd-cli-" + uuid.NewString(),
		)
	}
}

func init() {
	shutdownCmd.Flags().DurationVar(
		&shutdownTimeout, "timeout", 30*time.Second,
		"How long to wait for the pool to acknowledge",
	)

	rootCmd.AddCommand(shutdownCmd)
}
