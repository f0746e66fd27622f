package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlagValidate(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		flag    Flag
		wantErr string
	}{
		{
			name: "boolean valid",
			flag: Flag{Name: "checkout_v2", Kind: KindBoolean, Boolean: true},
		},
		{
			name: "percentage valid",
			flag: Flag{Name: "rollout", Kind: KindPercentage, Percentage: 25.5},
		},
		{
			name: "percentage zero valid",
			flag: Flag{Name: "rollout", Kind: KindPercentage, Percentage: 0},
		},
		{
			name: "percentage hundred valid",
			flag: Flag{Name: "rollout", Kind: KindPercentage, Percentage: 100},
		},
		{
			name:    "percentage negative",
			flag:    Flag{Name: "rollout", Kind: KindPercentage, Percentage: -1},
			wantErr: "percentage must be within [0,100]",
		},
		{
			name:    "percentage over hundred",
			flag:    Flag{Name: "rollout", Kind: KindPercentage, Percentage: 100.01},
			wantErr: "percentage must be within [0,100]",
		},
		{
			name: "segment valid",
			flag: Flag{Name: "beta", Kind: KindSegment, AllowedSegments: []string{"beta_testers"}},
		},
		{
			name: "segment empty set valid",
			flag: Flag{Name: "beta", Kind: KindSegment},
		},
		{
			name:    "segment with empty member",
			flag:    Flag{Name: "beta", Kind: KindSegment, AllowedSegments: []string{"beta", ""}},
			wantErr: "empty segment",
		},
		{
			name: "time window valid",
			flag: Flag{Name: "promo", Kind: KindTimeWindow, WindowStart: start, WindowEnd: start.Add(time.Hour)},
		},
		{
			name:    "time window end equals start",
			flag:    Flag{Name: "promo", Kind: KindTimeWindow, WindowStart: start, WindowEnd: start},
			wantErr: "end must be strictly after start",
		},
		{
			name:    "time window missing end",
			flag:    Flag{Name: "promo", Kind: KindTimeWindow, WindowStart: start},
			wantErr: "requires both start and end",
		},
		{
			name:    "empty name",
			flag:    Flag{Kind: KindBoolean},
			wantErr: "name cannot be empty",
		},
		{
			name:    "unknown kind",
			flag:    Flag{Name: "x", Kind: Kind("rollup")},
			wantErr: "unknown flag kind",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.flag.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, IsValidationError(err))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestFlagValueRoundTrip(t *testing.T) {
	start := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		flag Flag
	}{
		{"boolean", Flag{Name: "a", Kind: KindBoolean, Boolean: true}},
		{"percentage", Flag{Name: "b", Kind: KindPercentage, Percentage: 12.34}},
		{"segment", Flag{Name: "c", Kind: KindSegment, AllowedSegments: []string{"beta", "staff"}}},
		{"time_window", Flag{Name: "d", Kind: KindTimeWindow, WindowStart: start, WindowEnd: start.Add(48 * time.Hour)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := tt.flag.MarshalValue()
			require.NoError(t, err)

			parsed := Flag{Name: tt.flag.Name, Kind: tt.flag.Kind}
			require.NoError(t, parsed.UnmarshalValue(raw))

			assert.Equal(t, tt.flag.Boolean, parsed.Boolean)
			assert.Equal(t, tt.flag.Percentage, parsed.Percentage)
			assert.Equal(t, tt.flag.AllowedSegments, parsed.AllowedSegments)
			assert.True(t, tt.flag.WindowStart.Equal(parsed.WindowStart))
			assert.True(t, tt.flag.WindowEnd.Equal(parsed.WindowEnd))
		})
	}
}

func TestFlagUnmarshalValueRejectsWrongShape(t *testing.T) {
	flag := Flag{Name: "rollout", Kind: KindPercentage}
	err := flag.UnmarshalValue(json.RawMessage(`"fifty"`))
	require.Error(t, err)
	assert.True(t, IsValidationError(err))

	flag = Flag{Name: "kill_switch", Kind: KindBoolean}
	err = flag.UnmarshalValue(json.RawMessage(`{"enabled": true}`))
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
}

func TestInSegment(t *testing.T) {
	flag := Flag{Name: "beta", Kind: KindSegment, AllowedSegments: []string{"beta_testers", "staff"}}

	assert.True(t, flag.InSegment("staff"))
	assert.False(t, flag.InSegment("general"))
	assert.False(t, flag.InSegment(""), "absent segment must not match")
}
