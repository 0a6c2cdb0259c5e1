package main

import (
	"context"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenWorkspaceAppliesOverrides(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.Set("workspace", t.TempDir())
	viper.Set("poll-interval-ms", 1500)
	viper.Set("issuer", "desk-a")

	a, err := openWorkspace(context.Background())
	require.NoError(t, err)
	defer a.Close()
	assert.Equal(t, 1500, a.Config.Governance.PollIntervalMS)
	assert.Equal(t, "desk-a", a.Engine.Config.Governance.Issuer)
}

func TestParseOnOff(t *testing.T) {
	for in, want := range map[string]bool{"on": true, "TRUE": true, "off": false, "disable": false} {
		got, err := parseOnOff(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := parseOnOff("maybe")
	assert.Error(t, err)
}

func TestSplitCSV(t *testing.T) {
	assert.Equal(t, []string{"execution", "risk"}, splitCSV(" execution, ,risk"))
	assert.Nil(t, splitCSV(""))
}
