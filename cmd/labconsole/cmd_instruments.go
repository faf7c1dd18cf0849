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
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/labconsole/services/console/datatypes"
)

func runInstruments(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer a.close()

	list, err := a.station.Instruments(cmd.Context())
	if err != nil {
		return fmt.Errorf("list instruments: %w", err)
	}
	if len(list) == 0 {
		fmt.Fprintln(os.Stdout, "No instruments attached.")
		return nil
	}

	if !interactive() {
		for _, inst := range list {
			fmt.Fprintf(os.Stdout, "%s\t%s\t%s\t%s\n", inst.Family, inst.ID, inst.Status, inst.Name)
		}
		return nil
	}
	fmt.Fprintln(os.Stdout, instrumentTable(list))
	return nil
}

func instrumentTable(list []datatypes.Instrument) string {
	header := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#2CD7C7")).Padding(0, 1)
	cell := lipgloss.NewStyle().Padding(0, 1)
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("#16858E"))).
		Headers("FAMILY", "ID", "STATUS", "NAME").
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return header
			}
			return cell
		})
	for _, inst := range list {
		t.Row(string(inst.Family), inst.ID, string(inst.Status), inst.Name)
	}
	return t.Render()
}
