package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/rtc-client/internal/config"
	"github.com/wilsonzlin/aero/rtc-client/internal/protocol"
	"github.com/wilsonzlin/aero/rtc-client/internal/session"
)

const helloTimeout = 10 * time.Second

func sendCmd(loader *config.Loader) *cobra.Command {
	var subtag string

	cmd := &cobra.Command{
		Use:   "send <room-id> <message...>",
		Short: "Send a message to a room and print the server's acknowledgement",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(loader)
			if err != nil {
				return err
			}
			sess, err := newSession(cfg, logger, nil)
			if err != nil {
				return err
			}
			defer sess.Close()

			ctx := cmd.Context()
			if err := connectAndWaitHello(ctx, sess); err != nil {
				return err
			}

			room, err := sess.GetRoom(ctx, args[0])
			if err != nil {
				return fmt.Errorf("get room %s: %w", args[0], err)
			}
			body := strings.Join(args[1:], " ")

			var ack *protocol.Received
			if subtag != "" {
				ack, err = room.SendCustom(ctx, body, subtag, nil)
			} else {
				ack, err = room.Send(ctx, body, nil)
			}
			if err != nil {
				return fmt.Errorf("send to %s: %w", room.ID(), err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(ack)
		},
	}

	cmd.Flags().StringVar(&subtag, "custom", "", "Send a custom message with this subtag")

	return cmd
}

// connectAndWaitHello dials the server and waits until it has assigned the
// device id.
func connectAndWaitHello(ctx context.Context, sess *session.Session) error {
	hello := make(chan struct{}, 1)
	sess.OnHello(func(*protocol.Hello) {
		select {
		case hello <- struct{}{}:
		default:
		}
	})
	if err := sess.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	timer := time.NewTimer(helloTimeout)
	defer timer.Stop()
	select {
	case <-hello:
		return nil
	case <-timer.C:
		return fmt.Errorf("no hello from server within %s", helloTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
