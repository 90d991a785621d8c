// Command avela runs bulk jobs against the Avela Customer API.
//
//	avela tags import -file tags.csv [-dry-run] [-remove]
//	avela applicants fetch -output applicants.csv
//	avela offers update-status -file offers.csv [-dry-run]
//	avela forms update -file answers.csv [-dry-run]
//	avela forms files -ids form_ids.txt -output files.csv
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/mitchellh/cli"
)

// Version is set at build time.
var Version = "dev"

func main() {
	ui := &cli.BasicUi{
		Reader:      bufio.NewReader(os.Stdin),
		Writer:      os.Stdout,
		ErrorWriter: os.Stderr,
	}
	os.Exit(run(os.Args, ui, os.Stdout, os.Stderr))
}

// run executes the CLI and returns the exit code. stdout receives command
// data (CSV exports), logs receives structured log output.
func run(args []string, ui cli.Ui, stdout, logs io.Writer) int {
	name := "avela"
	if len(args) > 0 {
		name = args[0]
		args = args[1:]
	}

	base := baseCommand{ui: ui, stdout: stdout, logs: logs}

	c := &cli.CLI{
		Name:    name,
		Args:    args,
		Version: Version,
		Commands: map[string]cli.CommandFactory{
			"tags": func() (cli.Command, error) {
				return &groupCommand{
					synopsis: "Manage form/school tag assignments",
					help:     "Usage: avela tags <subcommand> [options]",
				}, nil
			},
			"tags import": func() (cli.Command, error) {
				return &tagsImportCommand{baseCommand: base}, nil
			},
			"applicants": func() (cli.Command, error) {
				return &groupCommand{
					synopsis: "Read applicants",
					help:     "Usage: avela applicants <subcommand> [options]",
				}, nil
			},
			"applicants fetch": func() (cli.Command, error) {
				return &applicantsFetchCommand{baseCommand: base}, nil
			},
			"offers": func() (cli.Command, error) {
				return &groupCommand{
					synopsis: "Update offers",
					help:     "Usage: avela offers <subcommand> [options]",
				}, nil
			},
			"offers update-status": func() (cli.Command, error) {
				return &offersUpdateStatusCommand{baseCommand: base}, nil
			},
			"forms": func() (cli.Command, error) {
				return &groupCommand{
					synopsis: "Update form answers and list uploaded files",
					help:     "Usage: avela forms <subcommand> [options]",
				}, nil
			},
			"forms update": func() (cli.Command, error) {
				return &formsUpdateCommand{baseCommand: base}, nil
			},
			"forms files": func() (cli.Command, error) {
				return &formsFilesCommand{baseCommand: base}, nil
			},
		},
	}

	code, err := c.Run()
	if err != nil {
		ui.Error(fmt.Sprintf("Error: %v", err))
		return 1
	}
	return code
}

// groupCommand only lists its subcommands.
type groupCommand struct {
	synopsis string
	help     string
}

func (c *groupCommand) Synopsis() string { return c.synopsis }

func (c *groupCommand) Help() string { return c.help }

func (c *groupCommand) Run([]string) int { return cli.RunResultHelp }
