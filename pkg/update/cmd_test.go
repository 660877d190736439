package update

import (
	"bytes"
	"testing"
	"time"

	"github.com/flipset/flipset/pkg/manifest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCommands(t *testing.T) {
	var names []string
	for _, c := range NewCommands() {
		names = append(names, c.Name())
	}
	assert.Equal(t, []string{
		"check-update", "stage", "activate", "apply", "cancel", "rollback",
		"status", "mark-boot-success", "partitions", "boot-monitor",
	}, names)
}

func TestPrintCheck(t *testing.T) {
	up := manifest.Update{Variant: "aws-k8s", Arch: "x86_64", Version: v110}
	older := manifest.Update{Variant: "aws-k8s", Arch: "x86_64", Version: v100}
	at := time.Date(2024, 5, 1, 1, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		res  *CheckResult
		all  bool
		want []string
	}{
		{
			name: "chosen",
			res:  &CheckResult{Current: v100, Chosen: &up, Available: []manifest.Update{up, older}},
			want: []string{"1.0.0 -> 1.1.0"},
		},
		{
			name: "waiting for wave",
			res:  &CheckResult{Current: v100, Available: []manifest.Update{up}, EligibleAt: &at},
			want: []string{"eligible at 2024-05-01T01:00:00Z"},
		},
		{
			name: "nothing",
			res:  &CheckResult{Current: v110},
			want: []string{"No update available"},
		},
		{
			name: "all",
			res:  &CheckResult{Current: v100, Chosen: &up, Available: []manifest.Update{up, older}},
			all:  true,
			want: []string{"VERSION", "CHOSEN", "1.0.0", "aws-k8s", "x86_64", "*"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			printCheck(&out, tt.res, tt.all)
			for _, w := range tt.want {
				assert.Contains(t, out.String(), w)
			}
		})
	}
}

func TestParseImage(t *testing.T) {
	v, err := parseImage("")
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = parseImage("1.1.0")
	require.NoError(t, err)
	assert.True(t, v.Equal(v110))

	_, err = parseImage("not-a-version")
	assert.Error(t, err)
}
