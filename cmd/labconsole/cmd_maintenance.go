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
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/labconsole/pkg/validation"
	"github.com/AleutianAI/labconsole/services/console/datatypes"
	"github.com/AleutianAI/labconsole/services/console/events"
	"github.com/AleutianAI/labconsole/services/console/station"
	"github.com/AleutianAI/labconsole/services/console/tui"
	"github.com/AleutianAI/labconsole/services/console/wizard"
)

var plainOutput bool

func runMaintenance(cmd *cobra.Command, args []string) error {
	family := datatypes.InstrumentFamily(args[0])
	id, err := validation.SanitizeInstrumentID(args[1])
	if err != nil {
		return err
	}
	procedure := datatypes.ProcedureKind(args[2])

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.close()
	if _, err := a.station.Engine().Catalog().Lookup(procedure); err != nil {
		return err
	}

	stopStation := a.runInBackground(ctx)
	defer stopStation()

	// Results only arrive on the stream, so a request issued before it is
	// open could complete unseen.
	if err := waitForStream(ctx, a.station, 15*time.Second); err != nil {
		return err
	}

	inst, err := a.station.Instrument(ctx, id)
	switch {
	case errors.Is(err, station.ErrUnknownInstrument):
		return err
	case err != nil:
		logger.Warn("instrument list unavailable, using command line family", "error", err)
		inst = datatypes.Instrument{ID: id, Family: family}
	case inst.Family != family:
		return fmt.Errorf("instrument %s is %s, not %s", id, inst.Family, family)
	}

	w, err := a.station.Engine().Start(ctx, inst, procedure)
	if err != nil {
		return err
	}

	var final wizard.View
	if plainOutput || !interactive() {
		final, err = tui.RunPlain(ctx, w, os.Stdin, os.Stdout)
	} else {
		updates, stopUpdates := a.station.Channel().Bus().Listen(8, events.KindMaintenanceProcedureResult)
		final, err = tui.RunWizard(ctx, w, updates, tea.WithContext(ctx))
		stopUpdates()
	}
	if err != nil {
		return err
	}
	if final.Status == wizard.StatusActive {
		// Input ended with the wizard open; leave nothing running on the
		// instrument.
		if _, err := w.Abort(ctx); err != nil && !errors.Is(err, wizard.ErrNotActive) {
			return err
		}
	}
	return nil
}

func waitForStream(ctx context.Context, st *station.Station, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for st.Channel().State() != events.StateOpen {
		select {
		case <-ctx.Done():
			return errors.New("interrupted")
		case <-deadline.C:
			return fmt.Errorf("event stream %s not reachable within %s", cfg.Stream.URL, timeout)
		case <-tick.C:
		}
	}
	return nil
}

func runProcedures(_ *cobra.Command, _ []string) error {
	catalog := wizard.DefaultCatalog()
	kinds := make([]string, 0, len(catalog))
	for k := range catalog {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)

	for _, k := range kinds {
		def := catalog[datatypes.ProcedureKind(k)]
		fmt.Fprintf(os.Stdout, "%s (%s)\n", k, def.Title)
		for i, step := range def.Steps {
			line := fmt.Sprintf("  %d. %s", i+1, step.Title)
			if step.SubWizard != "" {
				line += fmt.Sprintf(" [optional: %s]", step.SubWizard)
			}
			fmt.Fprintln(os.Stdout, line)
		}
	}
	return nil
}
