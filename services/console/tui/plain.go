// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tui

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/AleutianAI/labconsole/services/console/correlate"
	"github.com/AleutianAI/labconsole/services/console/wizard"
)

// RunPlain drives a wizard with one-word commands read from in, for
// terminals without cursor control and for scripts. It prints the view
// after every command and returns when the wizard finishes or in ends.
//
// Commands: next, back, cancel, abort, detour, retry, show.
func RunPlain(ctx context.Context, driver Driver, in io.Reader, out io.Writer) (wizard.View, error) {
	printView(out, driver.View())
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		var (
			v   wizard.View
			err error
		)
		switch strings.TrimSpace(strings.ToLower(sc.Text())) {
		case "":
			continue
		case "next", "n":
			v, err = driver.Next(ctx)
		case "back", "b":
			v, err = driver.Back(ctx)
		case "cancel", "c":
			v, err = driver.Cancel(ctx)
		case "abort", "a":
			v, err = driver.Abort(ctx)
		case "detour", "d":
			v, err = driver.OpenSubWizard(ctx)
		case "retry", "r":
			v, err = driver.Retry(ctx)
		case "show", "s":
			v = driver.View()
		default:
			fmt.Fprintf(out, "unknown command %q\n", sc.Text())
			continue
		}
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
		printView(out, v)
		if v.Status != wizard.StatusActive {
			return v, nil
		}
	}
	if err := sc.Err(); err != nil {
		return driver.View(), err
	}
	return driver.View(), nil
}

func printView(out io.Writer, v wizard.View) {
	if v.Status != wizard.StatusActive {
		fmt.Fprintf(out, "%s %s: %s\n", v.Root, v.Instrument.String(), v.Status)
		return
	}
	fmt.Fprintf(out, "%s %s step %d/%d %s", v.Procedure, v.Instrument.String(), v.Index+1, v.Count, v.Step.Title)
	if op := v.Operation; op != nil {
		fmt.Fprintf(out, " [%s", op.State)
		if v.StillWaiting {
			fmt.Fprint(out, ", still waiting")
		}
		if op.State == correlate.StateFailed && op.Detail != "" {
			fmt.Fprintf(out, ": %s", op.Detail)
		}
		fmt.Fprint(out, "]")
	}
	if v.NextEnabled {
		fmt.Fprint(out, " (next)")
	}
	fmt.Fprintln(out)
}
