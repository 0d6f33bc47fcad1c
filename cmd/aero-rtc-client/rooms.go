package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/rtc-client/internal/config"
	"github.com/wilsonzlin/aero/rtc-client/internal/room"
)

func roomsCmd(loader *config.Loader) *cobra.Command {
	var roster bool

	cmd := &cobra.Command{
		Use:   "rooms",
		Short: "List the rooms of the signed-in user",
		Args:  cobra.NoArgs,
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

			var rooms []*room.Room
			if roster {
				rooms, err = sess.GetRoster(cmd.Context())
			} else {
				rooms, err = sess.GetRooms(cmd.Context())
			}
			if err != nil {
				return err
			}
			return printRooms(cmd, rooms)
		},
	}

	cmd.Flags().BoolVar(&roster, "roster", false, "List the roster (rooms with unread marks) instead")

	return cmd
}

func printRooms(cmd *cobra.Command, rooms []*room.Room) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tVARIANT\tUSERS")
	for _, r := range rooms {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.ID(), r.Name(), r.Variant(), strings.Join(r.Info().Users, ","))
	}
	return w.Flush()
}
