package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"

	"github.com/dyluth/linker/internal/printer"
	"github.com/dyluth/linker/pkg/blackboard"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// maxIngestLine bounds one JSONL record.
const maxIngestLine = 1 << 20

var (
	ingestFile    string
	ingestWorkers int
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <record-set>",
	Short: "Write records into a record set and flag them for linking",
	Long: `Write records into a registered record set and flag them for linking.

Input is JSONL, one record per line:
  {"id": "c-1", "properties": {"name": ["Ada Lovelace"], "city": "London"}}

Property values may be a string, a number or a list of strings. Records that
already exist are replaced and re-linked.

Examples:
  linkctl ingest crm --file contacts.jsonl
  cat contacts.jsonl | linkctl ingest crm`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVarP(&ingestFile, "file", "f", "-", "JSONL file to read, or - for stdin")
	ingestCmd.Flags().IntVarP(&ingestWorkers, "workers", "w", 8, "Records written concurrently")
	rootCmd.AddCommand(ingestCmd)
}

// ingestLine is one line of ingest input.
type ingestLine struct {
	ID         string                     `json:"id"`
	Properties map[string]json.RawMessage `json:"properties"`
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	setID := args[0]

	if ingestWorkers < 1 {
		return printer.Error("invalid --workers", fmt.Sprintf("--workers must be at least 1 (got %d)", ingestWorkers), nil)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	in := cmd.InOrStdin()
	if ingestFile != "-" {
		f, err := os.Open(ingestFile)
		if err != nil {
			return printer.Error("cannot read input", err.Error(), nil)
		}
		defer f.Close()
		in = f
	}

	client, err := connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if _, err := client.GetRecordSet(ctx, setID); err != nil {
		if blackboard.IsNotFound(err) {
			return printer.Error(
				"unknown record set",
				fmt.Sprintf("Record set '%s' is not registered.", setID),
				[]string{fmt.Sprintf("Register it first:\n  linkctl recordset add %s", setID)},
			)
		}
		return err
	}

	count, err := ingest(ctx, client, setID, in, cfg.Linking.BlockingAttributes, ingestWorkers)
	if err != nil {
		return printer.ErrorWithContext("ingest failed", err.Error(),
			map[string]string{"Record set": setID, "Written": strconv.Itoa(count)}, nil)
	}

	printer.Success("Ingested %s into '%s'\n", printer.Plural(count, "record"), setID)
	return nil
}

// ingest writes every line of in as a record of setID and returns how many
// records were written. It stops at the first malformed line or failed write.
func ingest(ctx context.Context, client *blackboard.Client, setID string, in io.Reader, indexAttributes []string, workers int) (int, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxIngestLine)

	var submitted int
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		key, props, err := parseIngestLine(setID, raw)
		if err != nil {
			_ = g.Wait()
			return submitted, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if gctx.Err() != nil {
			break
		}

		submitted++
		g.Go(func() error {
			return client.PutRecord(gctx, key, props, indexAttributes)
		})
	}

	if err := g.Wait(); err != nil {
		return 0, err
	}
	if err := scanner.Err(); err != nil {
		return submitted, fmt.Errorf("failed to read input: %w", err)
	}
	return submitted, nil
}

func parseIngestLine(setID string, raw []byte) (blackboard.RecordKey, blackboard.Properties, error) {
	var line ingestLine
	if err := json.Unmarshal(raw, &line); err != nil {
		return blackboard.RecordKey{}, nil, fmt.Errorf("invalid JSON: %w", err)
	}

	key := blackboard.RecordKey{RecordSetID: setID, RecordID: line.ID}
	if err := key.Validate(); err != nil {
		return blackboard.RecordKey{}, nil, err
	}

	props := make(blackboard.Properties, len(line.Properties))
	names := make([]string, 0, len(line.Properties))
	for name := range line.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		values, err := propertyValues(line.Properties[name])
		if err != nil {
			return blackboard.RecordKey{}, nil, fmt.Errorf("property %q: %w", name, err)
		}
		if len(values) > 0 {
			props[name] = values
		}
	}
	if len(props) == 0 {
		return blackboard.RecordKey{}, nil, fmt.Errorf("record %s has no properties", key)
	}
	return key, props, nil
}

// propertyValues accepts a string, a number or a list of strings.
func propertyValues(raw json.RawMessage) ([]string, error) {
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []string{s}, nil
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return []string{n.String()}, nil
	}

	return nil, fmt.Errorf("must be a string, a number or a list of strings")
}
