package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/lazypower/memgraph/internal/client"
	"github.com/lazypower/memgraph/internal/engine"
)

const remoteTimeout = 30 * time.Second

var flagSession string

func remoteClient(cmd *cobra.Command) (*client.Client, context.Context, context.CancelFunc, error) {
	c := client.New(flagServer)
	ctx, cancel := context.WithTimeout(cmd.Context(), remoteTimeout)
	if !c.Healthy(ctx) {
		cancel()
		return nil, nil, nil, fmt.Errorf("memgraph server not reachable at %s (start it with `memgraph serve`)", c.URL())
	}
	return c, ctx, cancel, nil
}

// --- push command ---

var pushCmd = &cobra.Command{
	Use:   "push [file|-]",
	Short: "Send events to a running server",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPush,
}

func runPush(cmd *cobra.Command, args []string) error {
	path := "-"
	if len(args) > 0 {
		path = args[0]
	}
	events, err := readEvents(cmd, path)
	if err != nil {
		return err
	}
	c, ctx, cancel, err := remoteClient(cmd)
	if err != nil {
		return err
	}
	defer cancel()

	res, err := c.PushEvents(ctx, events)
	if err != nil {
		return err
	}
	printProcessing(cmd.OutOrStdout(), len(events), res)
	return nil
}

// --- query command ---

var queryLimit int

var queryCmd = &cobra.Command{
	Use:   "query [text]",
	Short: "Ask the graph a natural-language question",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runQuery,
}

func runQuery(cmd *cobra.Command, args []string) error {
	c, ctx, cancel, err := remoteClient(cmd)
	if err != nil {
		return err
	}
	defer cancel()

	res, err := c.Query(ctx, strings.Join(args, " "), flagSession)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(res.Results) == 0 {
		fmt.Fprintln(out, "No results found.")
		return nil
	}
	shown := res.Results
	if queryLimit > 0 && len(shown) > queryLimit {
		shown = shown[:queryLimit]
	}
	for i, hit := range shown {
		fmt.Fprintf(out, "%d. [%.3f] %s (%s, %s)\n", i+1, hit.Score, oneLine(hit.Content, 120),
			hit.Type, humanize.Time(time.UnixMilli(hit.Timestamp)))
	}
	fmt.Fprintf(out, "\n%d of %d results in %s\n", len(shown), res.Total, res.ExecutionTime)
	return nil
}

// --- recommend command ---

var (
	recommendHint  string
	recommendLimit int
)

var recommendCmd = &cobra.Command{
	Use:   "recommend",
	Short: "Show contextual recommendations",
	RunE:  runRecommend,
}

func runRecommend(cmd *cobra.Command, args []string) error {
	c, ctx, cancel, err := remoteClient(cmd)
	if err != nil {
		return err
	}
	defer cancel()

	recs, err := c.Recommendations(ctx, flagSession, recommendHint, recommendLimit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(recs) == 0 {
		fmt.Fprintln(out, "Nothing to recommend yet.")
		return nil
	}
	for i, r := range recs {
		fmt.Fprintf(out, "%d. [%.3f] %s\n   %s, %s\n", i+1, r.Relevance, oneLine(r.Content, 120), r.Type, r.Reason)
	}
	return nil
}

// --- interact command ---

var (
	interactKind     string
	interactStrength float64
)

var interactCmd = &cobra.Command{
	Use:   "interact <node-id>",
	Short: "Record an interaction with a node",
	Args:  cobra.ExactArgs(1),
	RunE:  runInteract,
}

func runInteract(cmd *cobra.Command, args []string) error {
	c, ctx, cancel, err := remoteClient(cmd)
	if err != nil {
		return err
	}
	defer cancel()

	err = c.RecordInteraction(ctx, engine.InteractionRequest{
		NodeID:    args[0],
		Kind:      interactKind,
		SessionID: flagSession,
		Strength:  interactStrength,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "recorded %s on %s\n", interactKind, args[0])
	return nil
}

// --- context command ---

var contextCmd = &cobra.Command{
	Use:   "context",
	Short: "Print a session's working set as markdown",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel, err := remoteClient(cmd)
		if err != nil {
			return err
		}
		defer cancel()

		text, err := c.Context(ctx, flagSession)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), text)
		return nil
	},
}

func oneLine(s string, width int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > width {
		s = string(r[:width-3]) + "..."
	}
	return s
}

func init() {
	for _, c := range []*cobra.Command{queryCmd, recommendCmd, interactCmd, contextCmd} {
		c.Flags().StringVarP(&flagSession, "session", "s", "", "Session id")
	}
	queryCmd.Flags().IntVarP(&queryLimit, "limit", "n", 10, "Maximum number of results to print")
	recommendCmd.Flags().StringVar(&recommendHint, "hint", "", "Free-text hint to bias recommendations")
	recommendCmd.Flags().IntVarP(&recommendLimit, "limit", "n", 10, "Maximum number of recommendations")
	interactCmd.Flags().StringVarP(&interactKind, "kind", "k", "click", "Interaction kind")
	interactCmd.Flags().Float64Var(&interactStrength, "strength", 0, "Interaction strength (0 uses the default)")
}
