package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Sternrassler/avela-client/pkg/avela"
)

type applicantsFetchCommand struct {
	baseCommand

	flagOutput       string
	flagReferenceIDs string
}

func (c *applicantsFetchCommand) Synopsis() string {
	return "Export every applicant as CSV"
}

func (c *applicantsFetchCommand) Help() string {
	return `Usage: avela applicants fetch [options]

  Pages through /applicants and writes one CSV row per applicant.

Options:

  -output=<path>          Write CSV to this file (default: stdout)
  -reference-id=<a,b,..>  Only applicants with these reference ids
  -config=<path>          Config file
  -metrics-addr=<addr>    Serve Prometheus metrics while running`
}

func (c *applicantsFetchCommand) Run(args []string) int {
	f := c.flagSet("applicants fetch")
	f.StringVar(&c.flagOutput, "output", "", "")
	f.StringVar(&c.flagReferenceIDs, "reference-id", "", "")
	if err := f.Parse(args); err != nil {
		c.ui.Error(fmt.Sprintf("error parsing flags: %v", err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := c.setup(ctx)
	if err != nil {
		c.ui.Error(fmt.Sprintf("Error: %v", err))
		return 1
	}
	defer st.Close()

	var q avela.ApplicantQuery
	for _, id := range strings.Split(c.flagReferenceIDs, ",") {
		if id = strings.TrimSpace(id); id != "" {
			q.ReferenceIDs = append(q.ReferenceIDs, id)
		}
	}

	applicants, err := st.api.Applicants.All(ctx, q)
	if err != nil {
		c.ui.Error(fmt.Sprintf("Error: fetch applicants: %v", err))
		return 1
	}

	out := c.stdout
	var file *os.File
	if c.flagOutput != "" {
		if file, err = os.Create(c.flagOutput); err != nil {
			c.ui.Error(fmt.Sprintf("Error: %v", err))
			return 1
		}
		out = file
	}

	err = avela.WriteApplicantsCSV(out, applicants)
	if file != nil {
		if cerr := file.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		c.ui.Error(fmt.Sprintf("Error: write applicants: %v", err))
		return 1
	}

	c.ui.Info(fmt.Sprintf("Fetched %d applicants", len(applicants)))
	return 0
}
