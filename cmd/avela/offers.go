package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Sternrassler/avela-client/pkg/avela"
	"github.com/Sternrassler/avela-client/pkg/input"
)

type offersUpdateStatusCommand struct {
	baseCommand

	flagFile   string
	flagDryRun bool
}

func (c *offersUpdateStatusCommand) Synopsis() string {
	return "Accept or decline offers listed in a CSV or XLSX file"
}

func (c *offersUpdateStatusCommand) Help() string {
	return `Usage: avela offers update-status -file <path> [options]

  Reads offer_id and action (accept or decline) columns and sends one
  status update per action.

Options:

  -file=<path>        CSV or XLSX file (or pass it as the only argument)
  -dry-run            Print what would be sent without calling the API
  -config=<path>      Config file
  -metrics-addr=<ad>  Serve Prometheus metrics while running`
}

func (c *offersUpdateStatusCommand) Run(args []string) int {
	f := c.flagSet("offers update-status")
	f.StringVar(&c.flagFile, "file", "", "")
	f.BoolVar(&c.flagDryRun, "dry-run", false, "")
	if err := f.Parse(args); err != nil {
		c.ui.Error(fmt.Sprintf("error parsing flags: %v", err))
		return 1
	}
	if c.flagFile == "" && f.NArg() == 1 {
		c.flagFile = f.Arg(0)
	}
	if c.flagFile == "" {
		c.ui.Error("a file is required (-file)")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if c.flagDryRun {
		c.ui.Warn("DRY RUN MODE - No changes will be made")
	}

	updates, skipped, err := input.ReadOfferUpdates(c.flagFile)
	if err != nil {
		c.ui.Error(fmt.Sprintf("Error: %v", err))
		return 1
	}
	for _, s := range skipped {
		c.ui.Warn(fmt.Sprintf("Line %d: %s, skipping", s.Line, s.Message))
	}
	if len(updates) == 0 {
		c.ui.Info("No updates to process.")
		return 0
	}

	var order []avela.OfferStatus
	byStatus := make(map[avela.OfferStatus][]string)
	for _, u := range updates {
		status, err := avela.ParseOfferAction(u.Action)
		if err != nil {
			c.ui.Error(fmt.Sprintf("Line %d: %v", u.Line, err))
			return 1
		}
		if _, seen := byStatus[status]; !seen {
			order = append(order, status)
		}
		byStatus[status] = append(byStatus[status], u.OfferID)
	}

	var offers *avela.Offers
	if !c.flagDryRun {
		st, err := c.setup(ctx)
		if err != nil {
			c.ui.Error(fmt.Sprintf("Error: %v", err))
			return 1
		}
		defer st.Close()
		offers = st.api.Offers
	}

	var successful, failed int
	for _, status := range order {
		ids := byStatus[status]
		c.ui.Info(fmt.Sprintf("Setting %d offer(s) to %s", len(ids), status))
		if c.flagDryRun {
			successful += len(ids)
			continue
		}
		if err := offers.UpdateStatus(ctx, ids, status); err != nil {
			if ctx.Err() != nil {
				c.ui.Error(fmt.Sprintf("Error: %v", err))
				return 1
			}
			c.ui.Error(fmt.Sprintf("  %v", err))
			failed += len(ids)
			continue
		}
		successful += len(ids)
	}

	c.ui.Output(fmt.Sprintf("\nSuccessful updates: %d\nFailed updates: %d\nSkipped rows: %d",
		successful, failed, len(skipped)))
	if failed > 0 {
		return 1
	}
	return 0
}
