package cmd

import (
	"fmt"
	"net"
	"strconv"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/dcluster/internal/hostplan"
)

var planCmd = &cobra.Command{
	Use:   "plan [hosts...]",
	Short: "Print the launch plan without starting anything",
	Long: `Plan resolves hosts exactly like launch and prints the resulting
layout and the commands that would run on each host, as YAML. Nothing
touches the network.`,
	RunE: runPlan,
}

// planOutput is the YAML document printed by plan.
type planOutput struct {
	Plan     *hostplan.LaunchPlan `yaml:"plan"`
	Commands planCommands         `yaml:"commands"`
}

type planCommands struct {
	Coordinator string            `yaml:"coordinator"`
	Workers     map[string]string `yaml:"workers"`
}

func init() {
	rootCmd.AddCommand(planCmd)
	addPlanFlags(planCmd)
}

func runPlan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, planFlagKeys)
	if err != nil {
		return err
	}
	plan, err := buildPlan(args, cfg)
	if err != nil {
		return err
	}

	builder := commandBuilder(cfg)
	addr := net.JoinHostPort(plan.CoordinatorHost, strconv.Itoa(plan.CoordinatorPort))
	out := planOutput{
		Plan: plan,
		Commands: planCommands{
			Coordinator: builder.Coordinator(plan),
			Workers:     make(map[string]string, len(plan.Workers)),
		},
	}
	for _, w := range plan.Workers {
		out.Commands.Workers[w.ID()] = builder.Worker(addr, w)
	}

	data, err := yaml.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}
