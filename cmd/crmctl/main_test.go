package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandsAreRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, cmd := range rootCmd.Commands() {
		names[cmd.Name()] = true
	}
	for _, want := range []string{"migrate", "pull", "pull-all", "watch", "conflicts", "resolve", "push", "reindex", "create-user"} {
		assert.True(t, names[want], "missing command %s", want)
	}
}

// These all fail before a database connection is attempted.
func TestArgumentValidation(t *testing.T) {
	cases := []struct {
		args []string
		want string
	}{
		{args: []string{"pull"}, want: "accepts 1 arg(s)"},
		{args: []string{"push", "leads"}, want: "accepts 2 arg(s)"},
		{args: []string{"conflicts", "ds_1", "ds_2"}, want: "accepts 1 arg(s)"},
		{args: []string{"migrate", "now"}, want: "unknown command"},
		{args: []string{"resolve", "cf_1"}, want: `required flag(s) "choice" not set`},
		{args: []string{"push", "leads", "lead_1"}, want: `required flag(s) "source" not set`},
	}
	for _, tc := range cases {
		t.Run(tc.args[0], func(t *testing.T) {
			var out bytes.Buffer
			rootCmd.SetOut(&out)
			rootCmd.SetErr(&out)
			rootCmd.SetArgs(tc.args)
			err := rootCmd.Execute()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}
