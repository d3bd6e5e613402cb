//go:build !integration

package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/attendry/internal/model"
)

func TestFormatEventsList(t *testing.T) {
	events := []model.StoredEvent{
		{
			ID: "1",
			Event: model.EventDTO{
				Title:    "Berlin Legal Tech Summit",
				City:     "Berlin",
				URL:      "https://legaltech.example.de",
				Speakers: []model.SpeakerDTO{{Name: "Ada Lovelace"}, {Name: "Grace Hopper"}},
			},
			Country:   "DE",
			StartsAt:  "2025-09-10",
			UpdatedAt: time.Now(),
		},
		{
			ID:       "2",
			Event:    model.EventDTO{Title: "An Extremely Long Conference Name That Goes On And On", URL: "https://long.example"},
			StartsAt: "2025-10-01",
		},
	}

	var buf bytes.Buffer
	formatEventsList(&buf, events)

	output := buf.String()
	assert.Contains(t, output, "STARTS")
	assert.Contains(t, output, "Berlin Legal Tech Summit")
	assert.Contains(t, output, "2025-09-10")
	assert.Contains(t, output, "https://legaltech.example.de")
	assert.Contains(t, output, "An Extremely Long Conference Name Tha...")
}

func TestEventFilterFromFlags(t *testing.T) {
	cmd := &cobra.Command{Use: "list"}
	cmd.Flags().String("country", "", "")
	cmd.Flags().String("from", "", "")
	cmd.Flags().String("to", "", "")
	cmd.Flags().Int("limit", 50, "")
	require.NoError(t, cmd.Flags().Parse([]string{"--country", "fr", "--from", "2025-01-01", "--limit", "5"}))

	f, err := eventFilterFromFlags(cmd)
	require.NoError(t, err)
	assert.Equal(t, "FR", f.Country)
	assert.Equal(t, 5, f.Limit)
	require.NotNil(t, f.DateFrom)
	assert.Nil(t, f.DateTo)

	require.NoError(t, cmd.Flags().Set("to", "soon"))
	_, err = eventFilterFromFlags(cmd)
	assert.Error(t, err)
}
