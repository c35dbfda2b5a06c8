package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/inference-sim/plancache/sim"
	"github.com/inference-sim/plancache/sim/store"
)

// inspectStore prints one line per stored plan: agent, plan id, score,
// creation iteration and selection. Only metadata is read. An empty agent
// lists every agent in key order.
func inspectStore(ctx context.Context, dir string, agent sim.AgentID, w io.Writer) error {
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("store directory: %w", err)
	}
	cfg := sim.DefaultStoreConfig(dir)
	cfg.GCInterval = 0
	st, err := store.Open(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AGENT\tPLAN\tSCORE\tITERATION\tSELECTED")
	agents, plans := 0, 0
	list := func(id sim.AgentID) error {
		ids, err := st.ListPlanIDs(ctx, id)
		if err != nil {
			return err
		}
		for _, pid := range ids {
			meta, err := st.GetMetadata(ctx, id, pid)
			if err != nil {
				return &sim.PlanError{Op: "inspect", Agent: id, Plan: pid, Err: err}
			}
			score := "-"
			if !sim.IsUndefinedScore(meta.Score) {
				score = fmt.Sprintf("%.4f", meta.Score)
			}
			sel := ""
			if meta.Selected {
				sel = "*"
			}
			fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%s\n", id, pid, score, meta.Iteration, sel)
			plans++
		}
		agents++
		return nil
	}
	if agent != "" {
		err = list(agent)
	} else {
		err = st.ForEachAgent(ctx, list)
	}
	if err != nil {
		return err
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	lsm, vlog := st.DiskUsage()
	fmt.Fprintf(w, "%d agents, %d plans (lsm %d bytes, value log %d bytes)\n", agents, plans, lsm, vlog)
	return nil
}
