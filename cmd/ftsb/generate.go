package main

import (
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/searchbench/ftsb/generate"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func (a *app) newGenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate synthetic documents or queries",
	}

	docs := &cobra.Command{
		Use:   "docs",
		Short: "Write seeded log-like NDJSON documents",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			start, err := time.Parse(time.RFC3339, a.v.GetString("start"))
			if err != nil {
				return errors.Wrap(err, "start")
			}
			cfg := generate.Config{
				Count:    a.v.GetUint64("count"),
				Seed:     a.v.GetInt64("seed"),
				Start:    start,
				Interval: a.v.GetDuration("interval"),
				GroupID:  a.v.GetUint("interleaved-generation-group-id"),
				Groups:   a.v.GetUint("interleaved-generation-groups"),
			}
			return a.withOutput(func(w io.Writer) error {
				sim, err := generate.WriteDocuments(w, cfg)
				if err != nil {
					return err
				}
				sim.Describe(a.errOut)
				return nil
			})
		},
	}
	f := docs.Flags()
	f.Uint64("count", 100000, "Number of documents to generate")
	f.Int64("seed", 0, "PRNG seed, 0 uses the current timestamp")
	f.String("start", "2024-03-01T00:00:00Z", "Timestamp of the first document")
	f.Duration("interval", time.Second, "Time step between two documents")
	f.Uint("interleaved-generation-group-id", 0, "Group (0-indexed) to perform round-robin serialization within. Use this to scale up data generation to multiple processes.")
	f.Uint("interleaved-generation-groups", 1, "The number of round-robin serialization groups. Use this to scale up data generation to multiple processes.")
	f.String("output", "-", "Output file, - for stdout")

	queries := &cobra.Command{
		Use:   "queries",
		Short: "Write a query list matching the generated documents",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return a.withOutput(func(w io.Writer) error {
				return generate.WriteQueries(w, a.v.GetInt("count"), a.v.GetInt64("seed"))
			})
		},
	}
	f = queries.Flags()
	f.Int("count", 1000, "Number of queries to generate")
	f.Int64("seed", 0, "PRNG seed, 0 uses the current timestamp")
	f.String("output", "-", "Output file, - for stdout")

	cmd.AddCommand(docs, queries)
	return cmd
}

func (a *app) withOutput(fn func(w io.Writer) error) error {
	path := a.v.GetString("output")
	if path == "" || path == "-" {
		return fn(a.out)
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create output file")
	}
	if err := fn(f); err != nil {
		_ = f.Close()
		return err
	}
	a.log.Info("Wrote output", zap.String("path", path))
	return errors.Wrap(f.Close(), "close output file")
}
