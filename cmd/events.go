package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/attendry/internal/model"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect stored events",
}

var eventsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored events, most recently updated first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		filter, err := eventFilterFromFlags(cmd)
		if err != nil {
			return err
		}

		st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		events, err := st.ListEvents(cmd.Context(), filter)
		if err != nil {
			return eris.Wrap(err, "events list")
		}
		if len(events) == 0 {
			fmt.Fprintln(os.Stderr, "No events found.")
			return nil
		}
		formatEventsList(os.Stdout, events)
		return nil
	},
}

func eventFilterFromFlags(cmd *cobra.Command) (model.EventFilter, error) {
	country, _ := cmd.Flags().GetString("country")
	from, _ := cmd.Flags().GetString("from")
	to, _ := cmd.Flags().GetString("to")
	limit, _ := cmd.Flags().GetInt("limit")

	filter := model.EventFilter{
		Country: strings.ToUpper(strings.TrimSpace(country)),
		Limit:   limit,
	}
	var err error
	if filter.DateFrom, err = parseDate(from); err != nil {
		return filter, eris.Wrap(err, "--from")
	}
	if filter.DateTo, err = parseDate(to); err != nil {
		return filter, eris.Wrap(err, "--to")
	}
	return filter, nil
}

func formatEventsList(out io.Writer, events []model.StoredEvent) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "STARTS\tCOUNTRY\tTITLE\tCITY\tSPEAKERS\tURL")
	_, _ = fmt.Fprintln(w, "------\t-------\t-----\t----\t--------\t---")
	for _, e := range events {
		title := e.Event.Title
		if len(title) > 40 {
			title = title[:37] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			e.StartsAt,
			e.Country,
			title,
			e.Event.City,
			len(e.Event.Speakers),
			e.Event.URL,
		)
	}
	_ = w.Flush()
}

func init() {
	eventsListCmd.Flags().String("country", "", "ISO 3166 alpha-2 country code")
	eventsListCmd.Flags().String("from", "", "earliest start date (YYYY-MM-DD)")
	eventsListCmd.Flags().String("to", "", "latest start date (YYYY-MM-DD)")
	eventsListCmd.Flags().Int("limit", 50, "max number of events to display")

	eventsCmd.AddCommand(eventsListCmd)
	rootCmd.AddCommand(eventsCmd)
}
