package cli

import (
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/lazypower/memgraph/internal/engine"
)

// --- ingest command ---

var ingestCmd = &cobra.Command{
	Use:   "ingest [file|-]",
	Short: "Ingest events from a JSON file into the local graph",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runIngest,
}

func runIngest(cmd *cobra.Command, args []string) error {
	path := "-"
	if len(args) > 0 {
		path = args[0]
	}
	events, err := readEvents(cmd, path)
	if err != nil {
		return err
	}

	g, closeGraph, err := openGraph(cmd)
	if err != nil {
		return err
	}
	defer closeGraph()

	res, err := g.ProcessEvents(cmd.Context(), events)
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	printProcessing(cmd.OutOrStdout(), len(events), res)
	return nil
}

func printProcessing(w io.Writer, total int, res *engine.ProcessingResult) {
	fmt.Fprintf(w, "Ingested %s of %s events in %s\n",
		humanize.Comma(int64(total-len(res.Errors))), humanize.Comma(int64(total)), res.ProcessingTime.Round(time.Millisecond))
	fmt.Fprintf(w, "  nodes created: %s\n", humanize.Comma(int64(res.NodesCreated)))
	fmt.Fprintf(w, "  edges created: %s\n", humanize.Comma(int64(res.EdgesCreated)))
	for _, e := range res.Errors {
		fmt.Fprintf(w, "  ! [%s] %s\n", e.Kind, e.Error())
	}
}

// --- stats command ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show graph counts",
	RunE:  runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	g, closeGraph, err := openGraph(cmd)
	if err != nil {
		return err
	}
	defer closeGraph()

	s, err := g.GetStats(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "## Graph")
	fmt.Fprintf(out, "  nodes: %s active / %s total\n", humanize.Comma(int64(s.ActiveNodes)), humanize.Comma(int64(s.TotalNodes)))
	fmt.Fprintf(out, "  edges: %s active / %s total\n", humanize.Comma(int64(s.ActiveEdges)), humanize.Comma(int64(s.TotalEdges)))
	fmt.Fprintf(out, "  interactions: %s\n", humanize.Comma(int64(s.Interactions)))
	fmt.Fprintf(out, "  average relevance: %.3f\n", s.AverageRelevance)
	if path := g.Config().Database.Path; path != "" {
		if fi, err := os.Stat(path); err == nil {
			fmt.Fprintf(out, "  database: %s (%s)\n", path, humanize.Bytes(uint64(fi.Size())))
		}
	}
	printCounts(out, "Nodes by type", s.NodesByType)
	printCounts(out, "Edges by type", s.EdgesByType)
	return nil
}

func printCounts(w io.Writer, title string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(w, "\n## %s\n", title)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-20s %s\n", k, humanize.Comma(int64(counts[k])))
	}
}

// --- analyze command ---

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Summarize clusters, activity patterns and relevance",
	RunE:  runAnalyze,
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	g, closeGraph, err := openGraph(cmd)
	if err != nil {
		return err
	}
	defer closeGraph()

	a, err := g.Analyze(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s active nodes, %s active edges, %d clusters\n",
		humanize.Comma(int64(a.ActiveNodes)), humanize.Comma(int64(a.ActiveEdges)), a.Clustering.Clusters)
	fmt.Fprintf(out, "average relevance %.3f\n", a.Relevance.Average)

	if len(a.Clustering.Patterns) > 0 {
		fmt.Fprintln(out, "\n## Patterns")
		for _, p := range a.Clustering.Patterns {
			fmt.Fprintf(out, "  %-10s %s, %d nodes over %s\n",
				p.Type, humanize.Time(time.UnixMilli(p.Start)), p.NodeCount, p.Duration.Round(time.Second))
		}
	}
	printCounts(out, "Nodes by type", a.NodesByType)
	return nil
}

// --- maintain command ---

var maintainForceDecay bool

var maintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Run one maintenance pass: decay, prune, purge, reindex",
	RunE:  runMaintain,
}

func runMaintain(cmd *cobra.Command, args []string) error {
	g, closeGraph, err := openGraph(cmd)
	if err != nil {
		return err
	}
	defer closeGraph()

	res, err := g.PerformMaintenance(cmd.Context(), engine.MaintenanceOptions{ForceDecay: maintainForceDecay})
	if res != nil {
		out := cmd.OutOrStdout()
		if res.Decay.Skipped {
			fmt.Fprintln(out, "decay:   skipped (interval not elapsed, use --force-decay)")
		} else {
			fmt.Fprintf(out, "decay:   %d nodes, %d edges\n", res.Decay.NodesDecayed, res.Decay.EdgesDecayed)
		}
		fmt.Fprintf(out, "pruned:  %d nodes, %d edges\n", res.Pruning.NodesPruned, res.Pruning.EdgesPruned)
		fmt.Fprintf(out, "purged:  %d nodes, %d edges\n", res.Purge.Nodes, res.Purge.Edges)
		fmt.Fprintf(out, "index:   %s entries\n", humanize.Comma(int64(res.SemanticUpdate.IndexSize)))
		if res.Pruning.OverCapacity {
			fmt.Fprintln(out, "warning: graph is over capacity; recent nodes are protected from pruning")
		}
		fmt.Fprintf(out, "took %s\n", res.TotalTime.Round(time.Millisecond))
	}
	return err
}

// --- export / import commands ---

var (
	exportFormat string
	exportOutput string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the whole graph as JSON or YAML",
	RunE:  runExport,
}

func runExport(cmd *cobra.Command, args []string) error {
	g, closeGraph, err := openGraph(cmd)
	if err != nil {
		return err
	}
	defer closeGraph()

	data, err := g.Export(cmd.Context(), exportFormat)
	if err != nil {
		return err
	}
	if exportOutput == "" || exportOutput == "-" {
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}
	if err := os.WriteFile(exportOutput, data, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s to %s\n", humanize.Bytes(uint64(len(data))), exportOutput)
	return nil
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a JSON snapshot produced by export",
	Args:  cobra.ExactArgs(1),
	RunE:  runImport,
}

func runImport(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	g, closeGraph, err := openGraph(cmd)
	if err != nil {
		return err
	}
	defer closeGraph()

	res, err := g.Import(cmd.Context(), engine.FormatJSON, data)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "imported %s nodes, %s edges in %s\n",
		humanize.Comma(int64(res.NodesImported)), humanize.Comma(int64(res.EdgesImported)), res.ImportTime.Round(time.Millisecond))
	for _, e := range res.Errors {
		fmt.Fprintf(out, "  ! %s\n", e)
	}
	return nil
}

func init() {
	maintainCmd.Flags().BoolVar(&maintainForceDecay, "force-decay", false, "Run decay even if the decay interval has not elapsed")
	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", engine.FormatJSON, "Output format: json or yaml")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Write to file instead of stdout")
}
