package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"arc-framework/starrynight/internal/graph"
	"arc-framework/starrynight/internal/subsystems"
)

var planFormat string

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Validate and print the bootstrap phase plan",
	Long: `Plan validates the default phase plan (unknown dependencies, cycles,
dependencies on later phases) and prints it, phase by phase, together with the
start and teardown orders.`,
	RunE: runPlan,
}

func init() {
	planCmd.Flags().StringVar(&planFormat, "format", "text", "output format (text, json)")
}

// PlanView is the printable form of a phase plan.
type PlanView struct {
	Phases        []PhaseView `json:"phases"`
	StartOrder    []string    `json:"startOrder"`
	TeardownOrder []string    `json:"teardownOrder"`
}

type PhaseView struct {
	Name    string       `json:"name"`
	Systems []SystemView `json:"systems"`
}

type SystemView struct {
	Name         string   `json:"name"`
	Dependencies []string `json:"dependencies,omitempty"`
	Dependents   []string `json:"dependents,omitempty"`
}

func runPlan(cmd *cobra.Command, args []string) error {
	view, err := describePlan(subsystems.DefaultPlan())
	if err != nil {
		return err
	}

	switch planFormat {
	case "json":
		printJSON(cmd.OutOrStdout(), view)
		return nil
	case "text":
		return printPlan(cmd.OutOrStdout(), view)
	default:
		return fmt.Errorf("unknown format %q", planFormat)
	}
}

func describePlan(p *graph.Plan) (PlanView, error) {
	if err := p.Validate(); err != nil {
		return PlanView{}, fmt.Errorf("invalid phase plan: %w", err)
	}
	view := PlanView{
		StartOrder:    p.TopologicalOrder(),
		TeardownOrder: p.TeardownOrder(),
	}
	for _, ph := range p.Phases {
		pv := PhaseView{Name: string(ph)}
		for _, d := range p.Phase(ph) {
			pv.Systems = append(pv.Systems, SystemView{
				Name:         d.Name,
				Dependencies: d.Dependencies,
				Dependents:   p.Dependents(d.Name),
			})
		}
		view.Phases = append(view.Phases, pv)
	}
	return view, nil
}

func printPlan(w io.Writer, view PlanView) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PHASE\tSYSTEM\tDEPENDS ON")
	for _, ph := range view.Phases {
		for _, s := range ph.Systems {
			deps := "-"
			if len(s.Dependencies) > 0 {
				deps = strings.Join(s.Dependencies, ", ")
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\n", ph.Name, s.Name, deps)
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\nstart order:    %s\n", strings.Join(view.StartOrder, " → "))
	fmt.Fprintf(w, "teardown order: %s\n", strings.Join(view.TeardownOrder, " → "))
	return nil
}
