package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/NVIDIA/OSMO-sub002/internal/cluster"
	"github.com/NVIDIA/OSMO-sub002/internal/config"
	"github.com/NVIDIA/OSMO-sub002/internal/engine"
	"github.com/NVIDIA/OSMO-sub002/internal/export"
	"github.com/NVIDIA/OSMO-sub002/internal/model"
	"github.com/NVIDIA/OSMO-sub002/internal/pkg/smartql"
	"github.com/NVIDIA/OSMO-sub002/internal/source"
	"github.com/NVIDIA/OSMO-sub002/pkg/client"
)

// TokenEnv supplies --token when the flag is not set.
const TokenEnv = "SMARTSEARCH_TOKEN"

// backendFlags selects between dump files and a running server.
type backendFlags struct {
	inputs   []string
	taskPath string
	server   string
	token    string
}

func (f *backendFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVarP(&f.inputs, "input", "i", nil, "Dump files or globs to load (defaults to source.patterns)")
	cmd.Flags().StringVar(&f.taskPath, "task-path", "", "JSONPath selecting tasks in each dump")
	cmd.Flags().StringVarP(&f.server, "server", "s", "", "Query a running server instead of local files")
	cmd.Flags().StringVar(&f.token, "token", "", "API token for --server (or "+TokenEnv+")")
}

// open returns the backend to query and a registry for parsing chips.
func (f *backendFlags) open(ctx context.Context, cfg *config.Config) (cluster.Backend, *smartql.Registry, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, nil, err
	}
	resolver := smartql.NewResolver(smartql.NewDefaultDateParser(loc), smartql.WithLocation(loc))
	reg := smartql.NewBuiltinRegistry(resolver)

	if f.server != "" {
		token := f.token
		if token == "" {
			token = os.Getenv(TokenEnv)
		}
		c, err := client.New(client.Options{ServerURL: f.server, APIKey: token, Timeout: cfg.Cluster.Timeout})
		if err != nil {
			return nil, nil, err
		}
		return c, reg, nil
	}

	patterns := f.inputs
	if len(patterns) == 0 {
		patterns = cfg.Source.Patterns
	}
	if len(patterns) == 0 {
		return nil, nil, fmt.Errorf("no input: pass --input or --server")
	}
	taskPath := f.taskPath
	if taskPath == "" {
		taskPath = cfg.Source.TaskPath
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	loader, err := source.NewLoader(taskPath, "", logger)
	if err != nil {
		return nil, nil, err
	}
	qe, err := engine.NewQueryEngine(engine.Options{Resolver: resolver, Registry: reg, Logger: logger})
	if err != nil {
		return nil, nil, err
	}
	results, err := loader.Scan(patterns)
	if err != nil {
		return nil, nil, err
	}
	for _, res := range results {
		if _, err := qe.Ingest(res.Tasks...); err != nil {
			return nil, nil, fmt.Errorf("%s: %w", res.Path, err)
		}
	}
	return cluster.Local{Engine: qe}, reg, nil
}

func filterCmd(cfgPath *string) *cobra.Command {
	var bf backendFlags
	cmd := &cobra.Command{
		Use:   "filter [query]",
		Short: "Filter tasks with a query line, e.g. 'node:dgx-01 started:>last 2h'",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			backend, reg, err := bf.open(ctx, cfg)
			if err != nil {
				return err
			}

			var chips []smartql.SearchChip
			if len(args) == 1 {
				if chips, err = reg.ParseQuery(args[0]); err != nil {
					return err
				}
			}
			limit, _ := cmd.Flags().GetInt("limit")
			offset, _ := cmd.Flags().GetInt("offset")
			format, _ := cmd.Flags().GetString("format")
			output, _ := cmd.Flags().GetString("output")
			if format == "xlsx" {
				limit = engine.MaxLimit
				offset = 0
			}

			res, err := backend.Search(ctx, engine.SearchRequest{Chips: chips, Limit: limit, Offset: offset})
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			switch format {
			case "json":
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			case "xlsx":
				if output == "" {
					return fmt.Errorf("--output is required for xlsx")
				}
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				if err := export.WriteXLSX(f, res.Tasks, chips); err != nil {
					f.Close()
					return err
				}
				if err := f.Close(); err != nil {
					return err
				}
				fmt.Fprintf(w, "Wrote %d tasks to %s\n", len(res.Tasks), output)
				return nil
			case "table":
				printTasks(w, res, smartql.EncodeChips(chips))
				return nil
			default:
				return fmt.Errorf("unknown format %q", format)
			}
		},
	}
	bf.register(cmd)
	cmd.Flags().IntP("limit", "n", engine.DefaultLimit, "Maximum results")
	cmd.Flags().Int("offset", 0, "Results to skip")
	cmd.Flags().StringP("format", "f", "table", "Output format: table, json or xlsx")
	cmd.Flags().StringP("output", "o", "", "Output file for xlsx")
	return cmd
}

func suggestCmd(cfgPath *string) *cobra.Command {
	var bf backendFlags
	cmd := &cobra.Command{
		Use:   "suggest <input>",
		Short: "Show autocomplete suggestions for partial input",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			backend, reg, err := bf.open(ctx, cfg)
			if err != nil {
				return err
			}

			var chips []smartql.SearchChip
			if q, _ := cmd.Flags().GetString("query"); q != "" {
				if chips, err = reg.ParseQuery(q); err != nil {
					return err
				}
			}
			out, err := backend.Suggest(ctx, engine.SuggestRequest{Input: args[0], Chips: chips})
			if err != nil {
				return err
			}

			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KIND\tLABEL\tCOUNT")
			for _, s := range out {
				count := ""
				if s.Kind != smartql.KindField && s.Kind != smartql.KindHint {
					count = strconv.Itoa(s.Count)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Kind, s.Label, count)
			}
			return tw.Flush()
		},
	}
	bf.register(cmd)
	cmd.Flags().StringP("query", "q", "", "Active chips as a query line")
	cmd.Flags().BoolP("json", "j", false, "Output as JSON")
	return cmd
}

func printTasks(w io.Writer, res engine.SearchResult, query string) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATUS\tNODE\tEXIT\tSTARTED\tDURATION")
	for _, t := range res.Tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			t.Name, t.Status, t.NodeName, exitText(t), timeText(t.StartTime), durationText(t))
	}
	tw.Flush()
	fmt.Fprintf(w, "\n%d of %d tasks", len(res.Tasks), res.Total)
	if query != "" {
		fmt.Fprintf(w, " (%s)", query)
	}
	fmt.Fprintln(w)
}

func exitText(t model.Task) string {
	if t.ExitCode == nil {
		return "-"
	}
	return strconv.Itoa(*t.ExitCode)
}

func timeText(ts *time.Time) string {
	if ts == nil {
		return "-"
	}
	return ts.Local().Format(time.DateTime)
}

func durationText(t model.Task) string {
	if t.Duration == nil {
		return "-"
	}
	return (time.Duration(*t.Duration * float64(time.Second))).Round(time.Second).String()
}

func printYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
