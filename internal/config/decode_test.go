package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Wait    time.Duration `mapstructure:"wait" default:"2s"`
	Enabled bool          `mapstructure:"enabled"`
	Names   []string      `mapstructure:"names"`
	Count   int           `mapstructure:"count" default:"3"`
}

func TestDecodeSection(t *testing.T) {
	tests := []struct {
		name    string
		section Section
		want    sample
	}{
		{
			name:    "defaults",
			section: Section{},
			want:    sample{Wait: 2 * time.Second, Count: 3},
		},
		{
			name:    "bare seconds",
			section: Section{"wait": "5"},
			want:    sample{Wait: 5 * time.Second, Count: 3},
		},
		{
			name:    "go duration",
			section: Section{"wait": "1m30s"},
			want:    sample{Wait: 90 * time.Second, Count: 3},
		},
		{
			name:    "yes is true",
			section: Section{"enabled": "yes"},
			want:    sample{Wait: 2 * time.Second, Enabled: true, Count: 3},
		},
		{
			name:    "comma list",
			section: Section{"names": " Class , Filter-Id,,"},
			want:    sample{Wait: 2 * time.Second, Names: []string{"Class", "Filter-Id"}, Count: 3},
		},
		{
			name:    "weak int",
			section: Section{"count": " 7 "},
			want:    sample{Wait: 2 * time.Second, Count: 7},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			problems := &problemList{section: "test"}
			var got sample
			decodeSection(tt.section, &got, problems)

			require.True(t, problems.empty(), "problems: %v", problems.errorOrNil())
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeSection_Problems(t *testing.T) {
	problems := &problemList{section: "test"}
	var got sample
	decodeSection(Section{
		"wait":    "soon",
		"enabled": "maybe",
		"count":   "12",
		"colour":  "blue",
	}, &got, problems)

	byKey := map[string]ProblemKind{}
	for _, p := range Problems(problems.errorOrNil()) {
		assert.Equal(t, "test", p.Section)
		byKey[p.Key] = p.Kind
	}

	assert.Equal(t, map[string]ProblemKind{
		"wait":    InvalidValue,
		"enabled": InvalidValue,
		"colour":  UnexpectedKey,
	}, byKey)

	// Valid keys still decode; invalid ones keep their defaults.
	assert.Equal(t, 12, got.Count)
	assert.Equal(t, 2*time.Second, got.Wait)
}
