package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobstore/models"
)

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "watch", "purge", "sweep", "ping"} {
		assert.True(t, names[want], want)
	}
}

func TestFlagsBoundToConfig(t *testing.T) {
	require.NoError(t, rootCmd.PersistentFlags().Set("region", "EU"))
	t.Cleanup(func() { _ = rootCmd.PersistentFlags().Set("region", "") })

	assert.Equal(t, "EU", v.GetString("region"))
}

func TestPurgeRequiresConfirmation(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs([]string{"purge"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	err := rootCmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--yes")
}

func TestWatchAcceptsAtMostOneID(t *testing.T) {
	assert.NoError(t, watchCmd.Args(watchCmd, nil))
	assert.NoError(t, watchCmd.Args(watchCmd, []string{"42"}))
	assert.Error(t, watchCmd.Args(watchCmd, []string{"1", "2"}))
}

func TestWanted(t *testing.T) {
	item := &models.WorkItem{Id: "42"}
	assert.True(t, wanted(item, ""))
	assert.True(t, wanted(item, "42"))
	assert.False(t, wanted(item, "7"))
}
