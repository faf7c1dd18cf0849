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
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/labconsole/pkg/validation"
	"github.com/AleutianAI/labconsole/services/console/datatypes"
	"github.com/AleutianAI/labconsole/services/console/tui"
	"github.com/AleutianAI/labconsole/services/console/userinput"
)

var (
	inputRuns  []int64
	inputsOnce bool
)

func runInputs(cmd *cobra.Command, _ []string) error {
	if err := validation.ValidateRunIDs(inputRuns); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.close()

	q := a.station.Inputs()
	changed := make(chan struct{}, 1)
	defer q.OnChange(func(userinput.Head, bool) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})()

	stopStation := a.runInBackground(ctx)
	defer stopStation()

	for _, run := range inputRuns {
		q.Enqueue(datatypes.RunID(run))
	}
	if len(inputRuns) == 0 && !inputsOnce {
		fmt.Fprintln(os.Stdout, "Waiting for user-input requests (Ctrl+C to stop)...")
	}

	accessible := !interactive()
	for {
		if head, ok := q.Head(); ok && head.Phase == userinput.PhasePending && len(head.Requests) > 0 {
			if err := answer(ctx, q, head.RunID, head.Requests[0], accessible); err != nil {
				return err
			}
			continue
		}
		if inputsOnce && q.Len() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-changed:
		}
	}
}

// answer prompts for one request and submits it. Dismissing the prompt
// defers the run.
func answer(ctx context.Context, q *userinput.Queue, run datatypes.RunID, req datatypes.UserInputRequest, accessible bool) error {
	value, err := tui.PromptValue(ctx, req, accessible)
	switch {
	case errors.Is(err, tui.ErrPromptAborted):
		fmt.Fprintf(os.Stdout, "Run %s deferred.\n", run)
		if err := q.Defer(run); err != nil && !errors.Is(err, userinput.ErrNotHead) {
			return err
		}
		return nil
	case err != nil:
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	if err := q.Submit(ctx, run, req.ID, value); err != nil {
		if errors.Is(err, userinput.ErrNotHead) {
			// Another station answered first; the queue has moved on.
			return nil
		}
		logger.Warn("submitting user input failed", "run", run, "request", req.ID, "error", err)
		fmt.Fprintf(os.Stdout, "Could not submit: %v\n", err)
	}
	return nil
}
