package gitconfig

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/GerritForge/ghs-actions-executor/internal/log"
)

func TestParsePrunePackExpire(t *testing.T) {
	now := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		raw     string
		want    time.Time
		wantErr bool
	}{
		{name: "now", raw: "now", want: now},
		{name: "seconds ago", raw: "10.seconds.ago", want: now.Add(-10 * time.Second)},
		{name: "hour ago singular unit", raw: "1.hour.ago", want: now.Add(-1 * time.Hour)},
		{name: "days ago", raw: "2.days.ago", want: now.Add(-48 * time.Hour)},
		{name: "garbage", raw: "whenever", wantErr: true},
		{name: "empty", raw: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePrunePackExpire(tt.raw, now)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.True(t, tt.want.Equal(got))
		})
	}
}

func TestResolveCutoff_FallsBackWhenAbsentOrUnparseable(t *testing.T) {
	now := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)
	logger := log.New("test")

	absent := ResolveCutoff("", false, now, logger)
	require.True(t, now.Add(-1*time.Hour).Equal(absent))

	unparseable := ResolveCutoff("bogus", true, now, logger)
	require.True(t, now.Add(-1*time.Hour).Equal(unparseable))

	parsed := ResolveCutoff("now", true, now, logger)
	require.True(t, now.Equal(parsed))
}
