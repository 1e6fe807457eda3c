package runlog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventLine(t *testing.T) {
	tests := []struct {
		event Event
		want  string
	}{
		{event: Event{Step: 0, Kind: KindVal, Value: 10.98766}, want: "0 val 10.9877\n"},
		{event: Event{Step: 500, Kind: KindHella, Value: 0.25}, want: "500 hella 0.2500\n"},
		{event: Event{Step: 12, Kind: KindTrain, Value: 3.5}, want: "12 train 3.500000\n"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.event.Line())
		})
	}
}

func TestLogAppendsAndMirrors(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	l, err := Open(ctx, dir)
	require.NoError(t, err)
	require.NoError(t, l.Record(ctx, 0, KindVal, 11))
	require.NoError(t, l.Record(ctx, 0, KindTrain, 10.5))
	require.NoError(t, l.Close())

	// reopening appends instead of truncating
	l, err = Open(ctx, dir)
	require.NoError(t, err)
	require.NoError(t, l.Record(ctx, 1, KindTrain, 9.25))
	require.NoError(t, l.Close())

	text, err := os.ReadFile(filepath.Join(dir, LogFile))
	require.NoError(t, err)
	assert.Equal(t, "0 val 11.0000\n0 train 10.500000\n1 train 9.250000\n", string(text))

	store, err := OpenStore(ctx, filepath.Join(dir, StoreFile))
	require.NoError(t, err)
	defer store.Close()

	events, err := store.Tail(ctx, 2, "")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, KindTrain, events[0].Kind)
	assert.Equal(t, 0, events[0].Step)
	assert.Equal(t, 9.25, events[1].Value)

	vals, err := store.Tail(ctx, 10, KindVal)
	require.NoError(t, err)
	require.Len(t, vals, 1)
	assert.Equal(t, 11.0, vals[0].Value)
	assert.False(t, vals[0].RecordedAt.IsZero())
}
