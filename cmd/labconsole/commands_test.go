// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/labconsole/services/console/datatypes"
)

func TestRootCommand_Subcommands(t *testing.T) {
	want := []string{"watch", "instruments", "maintenance", "procedures", "inputs"}
	for _, name := range want {
		cmd, _, err := rootCmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}

	cmd, _, err := rootCmd.Find([]string{"ls"})
	require.NoError(t, err)
	assert.Equal(t, "instruments", cmd.Name())
}

func TestMaintenanceCommand_Args(t *testing.T) {
	assert.Error(t, maintenanceCmd.Args(maintenanceCmd, []string{"chemistry", "CAT001"}))
	assert.NoError(t, maintenanceCmd.Args(maintenanceCmd, []string{"chemistry", "CAT001", "clean"}))
}

func TestCommandFlags(t *testing.T) {
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("config"))
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("log-level"))
	assert.NotNil(t, inputsCmd.Flags().Lookup("run"))
	assert.NotNil(t, inputsCmd.Flags().Lookup("once"))
	assert.NotNil(t, maintenanceCmd.Flags().Lookup("plain"))
}

func TestInstrumentTable(t *testing.T) {
	out := instrumentTable([]datatypes.Instrument{
		{ID: "CAT001", Family: datatypes.FamilyChemistry, Name: "Catalyst One", Status: datatypes.StatusReady},
	})
	for _, s := range []string{"FAMILY", "CAT001", "chemistry", "Catalyst One", string(datatypes.StatusReady)} {
		assert.Contains(t, out, s)
	}
}
