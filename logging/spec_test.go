package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSpec(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantBase  Level
		wantComps map[string]Level
		wantErr   bool
	}{
		{name: "empty", input: "", wantBase: LevelInfo, wantComps: map[string]Level{}},
		{name: "base only", input: "debug", wantBase: LevelDebug, wantComps: map[string]Level{}},
		{
			name:      "base with overrides",
			input:     "warn, manager=debug ,store=trace",
			wantBase:  LevelWarn,
			wantComps: map[string]Level{"manager": LevelDebug, "store": LevelTrace},
		},
		{
			name:      "component only keeps info base",
			input:     "control=debug",
			wantBase:  LevelInfo,
			wantComps: map[string]Level{"control": LevelDebug},
		},
		{name: "trailing comma", input: "info,", wantBase: LevelInfo, wantComps: map[string]Level{}},
		{name: "base not first", input: "manager=debug,info", wantErr: true},
		{name: "bad base", input: "loud", wantErr: true},
		{name: "bad component level", input: "info,manager=loud", wantErr: true},
		{name: "empty component", input: "info,=debug", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSpec(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantBase, got.BaseLevel)
			assert.Equal(t, tt.wantComps, got.Components)
		})
	}
}

func TestSpec_LevelFor(t *testing.T) {
	spec := Spec{
		BaseLevel: LevelWarn,
		Components: map[string]Level{
			"manager":     LevelDebug,
			"server":      LevelInfo,
			"server.http": LevelError,
		},
	}

	tests := []struct {
		component string
		want      Level
	}{
		{"manager", LevelDebug},
		{"server", LevelInfo},
		{"server.grpc", LevelInfo},  // inherits server
		{"server.http", LevelError}, // own entry wins
		{"serverless", LevelWarn},   // not a dotted child
		{"", LevelWarn},
		{"unknown.child", LevelWarn},
	}

	for _, tt := range tests {
		t.Run(tt.component, func(t *testing.T) {
			assert.Equal(t, tt.want, spec.LevelFor(tt.component))
		})
	}
}

func TestSpec_StringRoundTrips(t *testing.T) {
	spec := Spec{
		BaseLevel:  LevelInfo,
		Components: map[string]Level{},
	}
	assert.Equal(t, "info", spec.String())

	spec.Components["store"] = LevelTrace
	spec.Components["manager"] = LevelDebug
	assert.Equal(t, "info,manager=debug,store=trace", spec.String())

	parsed, err := ParseSpec(spec.String())
	require.NoError(t, err)
	assert.Equal(t, spec, parsed)
}
