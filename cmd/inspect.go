package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/edital-crawler/internal/categorize"
	"github.com/JakeFAU/edital-crawler/internal/clock/system"
	"github.com/JakeFAU/edital-crawler/internal/crawler"
	"github.com/JakeFAU/edital-crawler/internal/extract"
	"github.com/JakeFAU/edital-crawler/internal/parser"
	"github.com/JakeFAU/edital-crawler/internal/validate"
)

const inspectSourceID = "inspect"

type inspectOptions struct {
	file    string
	html    bool
	baseURL string
}

// inspection is one record with its validation and rule-based category.
type inspection struct {
	Record         crawler.ExtractedRecord      `json:"record"`
	Validation     crawler.ValidationReport     `json:"validation"`
	Categorization crawler.CategorizationResult `json:"categorization"`
}

type inspectReport struct {
	Strategy string       `json:"strategy,omitempty"`
	Records  []inspection `json:"records"`
}

func newInspectCmd() *cobra.Command {
	var opts inspectOptions
	cmd := &cobra.Command{
		Use:   "inspect [text]",
		Short: "Extracts, validates and categorizes a text fragment or an HTML listing offline",
		Long: `inspect runs the extraction, validation and rule-based categorization
passes without a store or network access. Pass the text as an argument, a
file with --file ("-" reads stdin), and --html to treat the input as a full
listing page parsed by the strategy cascade.`,
		Args:        cobra.MaximumNArgs(1),
		Annotations: map[string]string{skipAppAnnotation: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := readInspectInput(cmd.InOrStdin(), opts.file, args)
			if err != nil {
				return err
			}
			report, err := inspect(input, opts)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().StringVar(&opts.file, "file", "", `read input from this file ("-" for stdin)`)
	cmd.Flags().BoolVar(&opts.html, "html", false, "parse the input as an HTML listing page")
	cmd.Flags().StringVar(&opts.baseURL, "base-url", "http://localhost/", "base URL used to resolve relative links in --html mode")
	return cmd
}

func readInspectInput(stdin io.Reader, file string, args []string) ([]byte, error) {
	switch {
	case file == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read input file: %w", err)
		}
		return data, nil
	case len(args) == 1:
		return []byte(args[0]), nil
	default:
		return nil, errors.New("inspect needs a text argument or --file")
	}
}

func inspect(input []byte, opts inspectOptions) (inspectReport, error) {
	clock := system.New()
	ex := extract.New(clock)
	validator := validate.New(clock)
	rules := categorize.New(clock)

	var report inspectReport
	var records []crawler.ExtractedRecord
	if opts.html {
		res, err := parser.NewSelector(ex).SelectAndParse(inspectSourceID, input, opts.baseURL)
		if err != nil {
			return inspectReport{}, fmt.Errorf("parse listing: %w", err)
		}
		report.Strategy = res.Strategy.String()
		records = res.Records
	} else {
		text := strings.TrimSpace(string(input))
		if text == "" {
			return inspectReport{}, errors.New("input is empty")
		}
		records = []crawler.ExtractedRecord{ex.FromFragment(inspectSourceID, extract.Fragment{Text: text, Strategy: inspectSourceID})}
	}

	report.Records = make([]inspection, 0, len(records))
	for _, rec := range records {
		report.Records = append(report.Records, inspection{
			Record:         rec,
			Validation:     validator.Record(rec),
			Categorization: rules.Rules(categorize.InputFromRecord(rec)),
		})
	}
	return report, nil
}
