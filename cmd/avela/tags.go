package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Sternrassler/avela-client/pkg/avela"
	"github.com/Sternrassler/avela-client/pkg/batch"
	"github.com/Sternrassler/avela-client/pkg/input"
)

type tagsImportCommand struct {
	baseCommand

	flagFile       string
	flagFormID     string
	flagStartRow   int
	flagLimit      int
	flagDryRun     bool
	flagRemove     bool
	flagSequential bool
	flagChunkSize  int
}

func (c *tagsImportCommand) Synopsis() string {
	return "Add or remove form/school tags listed in a CSV or XLSX file"
}

func (c *tagsImportCommand) Help() string {
	return `Usage: avela tags import -file <path> [options]

  Reads Form ID (or App ID), School ID and Tag Name (or Tag ID) columns and
  applies them through the batch tag endpoint, 100 rows per request.

Options:

  -file=<path>        CSV or XLSX file (or pass it as the only argument)
  -form-id=<id>       Form used to look up the enrollment period
                      (default: the first row's form)
  -start-row=<n>      Skip the first n data rows
  -limit=<n>          Process at most n rows
  -dry-run            Validate and resolve tags without modifying data
  -remove             Remove the tags instead of adding them
  -sequential         Send one request per row instead of batches
  -chunk-size=<n>     Rows per batch request (default: from config, max 100)
  -config=<path>      Config file
  -metrics-addr=<ad>  Serve Prometheus metrics while running`
}

func (c *tagsImportCommand) Run(args []string) int {
	f := c.flagSet("tags import")
	f.StringVar(&c.flagFile, "file", "", "")
	f.StringVar(&c.flagFormID, "form-id", "", "")
	f.IntVar(&c.flagStartRow, "start-row", 0, "")
	f.IntVar(&c.flagLimit, "limit", 0, "")
	f.BoolVar(&c.flagDryRun, "dry-run", false, "")
	f.BoolVar(&c.flagRemove, "remove", false, "")
	f.BoolVar(&c.flagSequential, "sequential", false, "")
	f.IntVar(&c.flagChunkSize, "chunk-size", 0, "")
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
	if c.flagStartRow < 0 || c.flagLimit < 0 {
		c.ui.Error("-start-row and -limit must not be negative")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mode := batch.ModeAdd
	if c.flagRemove {
		mode = batch.ModeRemove
		c.ui.Warn("DELETE MODE - Will remove tags from form-school combinations")
	}
	if c.flagDryRun {
		c.ui.Warn("DRY RUN MODE - Will validate but not modify data")
	}

	c.ui.Info(fmt.Sprintf("Reading %s", c.flagFile))
	records, err := input.ReadFile(c.flagFile, input.Options{StartRow: c.flagStartRow, Limit: c.flagLimit})
	if err != nil {
		c.ui.Error(fmt.Sprintf("Error: %v", err))
		return 1
	}
	if len(records) == 0 {
		c.ui.Info("No records to process.")
		return 0
	}
	c.ui.Info(fmt.Sprintf("Found %d rows to process", len(records)))

	st, err := c.setup(ctx)
	if err != nil {
		c.ui.Error(fmt.Sprintf("Error: %v", err))
		return 1
	}
	defer st.Close()

	dir, err := c.tagDirectory(ctx, st, records)
	if err != nil {
		c.ui.Error(fmt.Sprintf("Error: %v", err))
		return 1
	}

	engine, err := batch.NewEngine(batch.Config{
		Executor: st.client,
		Resolver: dir,
		Logger:   st.logger,
	})
	if err != nil {
		c.ui.Error(fmt.Sprintf("Error: %v", err))
		return 1
	}

	chunkSize := c.flagChunkSize
	if chunkSize <= 0 {
		chunkSize = st.cfg.Batch.ChunkSize
	}

	summary, runErr := engine.Run(ctx, records, batch.Options{
		Mode:       mode,
		DryRun:     c.flagDryRun,
		ChunkSize:  chunkSize,
		Sequential: c.flagSequential,
		Progress: func(done, total int) {
			c.ui.Info(fmt.Sprintf("  %d/%d (%d%%)...", done, total, done*100/total))
		},
	})

	var report strings.Builder
	if err := batch.WriteReport(&report, summary); err != nil {
		c.ui.Error(fmt.Sprintf("Error: write report: %v", err))
		return 1
	}
	c.ui.Output(strings.TrimRight(report.String(), "\n"))

	if runErr != nil {
		c.ui.Error(fmt.Sprintf("Error: %v", runErr))
		return 1
	}
	if summary.HasFailures() {
		return 1
	}
	return 0
}

// tagDirectory resolves the enrollment period of the form and loads its tags.
func (c *tagsImportCommand) tagDirectory(ctx context.Context, st *stack, records []batch.Record) (*avela.TagDirectory, error) {
	formID := c.flagFormID
	if formID == "" {
		formID = records[0].FormID
	}

	c.ui.Info(fmt.Sprintf("Fetching enrollment period from form %s", formID))
	form, err := st.api.Forms.Get(ctx, formID)
	if errors.Is(err, avela.ErrNotFound) {
		return nil, fmt.Errorf("form not found: %s", formID)
	}
	if err != nil {
		return nil, err
	}
	if form.EnrollmentPeriod.ID == "" {
		return nil, fmt.Errorf("could not determine enrollment period from form %s", formID)
	}

	tags, err := st.api.Tags.List(ctx, form.EnrollmentPeriod.ID)
	if err != nil {
		return nil, err
	}
	dir := avela.NewTagDirectory(tags)
	c.ui.Info(fmt.Sprintf("Found %d tags in enrollment period %s", dir.Len(), form.EnrollmentPeriod.ID))
	return dir, nil
}
