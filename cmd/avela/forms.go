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

type formsUpdateCommand struct {
	baseCommand

	flagFile   string
	flagDryRun bool
}

func (c *formsUpdateCommand) Synopsis() string {
	return "Answer form questions listed in a CSV or XLSX file"
}

func (c *formsUpdateCommand) Help() string {
	return `Usage: avela forms update -file <path> [options]

  Reads form_id, question_key, answer_value and an optional question_type
  (default FreeText) and submits every answer of a form in one request.

Options:

  -file=<path>        CSV or XLSX file (or pass it as the only argument)
  -dry-run            Print the answer objects without calling the API
  -config=<path>      Config file
  -metrics-addr=<ad>  Serve Prometheus metrics while running`
}

func (c *formsUpdateCommand) Run(args []string) int {
	f := c.flagSet("forms update")
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

	updates, skipped, err := input.ReadQuestionUpdates(c.flagFile)
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

	var order []string
	byForm := make(map[string][]avela.QuestionAnswer)
	for _, u := range updates {
		if _, seen := byForm[u.FormID]; !seen {
			order = append(order, u.FormID)
		}
		byForm[u.FormID] = append(byForm[u.FormID], avela.QuestionAnswer{
			Key:    u.QuestionKey,
			Type:   u.QuestionType,
			Answer: avela.BuildAnswer(u.QuestionType, u.AnswerValue),
		})
	}

	var forms *avela.Forms
	if !c.flagDryRun {
		st, err := c.setup(ctx)
		if err != nil {
			c.ui.Error(fmt.Sprintf("Error: %v", err))
			return 1
		}
		defer st.Close()
		forms = st.api.Forms
	}

	var successful, failed int
	for _, formID := range order {
		questions := byForm[formID]
		c.ui.Info(fmt.Sprintf("Form %s: %d question(s)", formID, len(questions)))
		if c.flagDryRun {
			for _, q := range questions {
				c.ui.Info(fmt.Sprintf("  %s (%s) -> %v", q.Key, q.Type, q.Answer))
			}
			successful += len(questions)
			continue
		}
		if err := forms.UpdateQuestions(ctx, formID, questions); err != nil {
			if ctx.Err() != nil {
				c.ui.Error(fmt.Sprintf("Error: %v", err))
				return 1
			}
			c.ui.Error(fmt.Sprintf("  %v", err))
			failed += len(questions)
			continue
		}
		successful += len(questions)
	}

	c.ui.Output(fmt.Sprintf("\nSuccessful updates: %d\nFailed updates: %d\nSkipped rows: %d",
		successful, failed, len(skipped)))
	if failed > 0 {
		return 1
	}
	return 0
}

type formsFilesCommand struct {
	baseCommand

	flagIDs    string
	flagOutput string
}

func (c *formsFilesCommand) Synopsis() string {
	return "List uploaded files of forms with their download URLs"
}

func (c *formsFilesCommand) Help() string {
	return `Usage: avela forms files -ids <path> [options]

  Reads form ids (one per line, # comments allowed) and writes one CSV row
  per uploaded file of a FileUpload question. Forms the server could not
  return are reported and skipped.

Options:

  -ids=<path>         Form id file (or pass it as the only argument)
  -output=<path>      Write CSV to this file (default: stdout)
  -config=<path>      Config file
  -metrics-addr=<ad>  Serve Prometheus metrics while running`
}

func (c *formsFilesCommand) Run(args []string) int {
	f := c.flagSet("forms files")
	f.StringVar(&c.flagIDs, "ids", "", "")
	f.StringVar(&c.flagOutput, "output", "", "")
	if err := f.Parse(args); err != nil {
		c.ui.Error(fmt.Sprintf("error parsing flags: %v", err))
		return 1
	}
	if c.flagIDs == "" && f.NArg() == 1 {
		c.flagIDs = f.Arg(0)
	}
	if c.flagIDs == "" {
		c.ui.Error("a form id file is required (-ids)")
		return 1
	}

	ids, err := input.ReadFormIDs(c.flagIDs)
	if err != nil {
		c.ui.Error(fmt.Sprintf("Error: %v", err))
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

	results, err := st.api.Forms.Files(ctx, ids)
	if err != nil {
		c.ui.Error(fmt.Sprintf("Error: fetch files: %v", err))
		return 1
	}

	var files, failedForms int
	for _, r := range results {
		if r.Err != nil {
			failedForms++
			c.ui.Warn(fmt.Sprintf("Skipping %v", r.Err))
			continue
		}
		for _, q := range r.Questions {
			files += len(q.Files)
		}
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

	err = avela.WriteFilesCSV(out, results)
	if file != nil {
		if cerr := file.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		c.ui.Error(fmt.Sprintf("Error: write files: %v", err))
		return 1
	}

	c.ui.Info(fmt.Sprintf("Listed %d files from %d forms (%d failed)", files, len(results)-failedForms, failedForms))
	if failedForms > 0 {
		return 1
	}
	return 0
}
