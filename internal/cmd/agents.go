package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/bastion-ai/bastion/internal/config"
	"github.com/bastion-ai/bastion/internal/model"
	"github.com/bastion-ai/bastion/internal/policy"
	"github.com/bastion-ai/bastion/internal/store"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Manage agents, their assigned tools and policies",
}

var agentsCreateCmd = &cobra.Command{
	Use:   "create [name]",
	Short: "Create an agent (or print the existing one)",
	Args:  cobra.ExactArgs(1),
	RunE:  agentsCreate,
}

var (
	assignToolDescription string
	assignToolParamsFile  string
)

var agentsAssignToolCmd = &cobra.Command{
	Use:   "assign-tool [agent-name] [tool-name]",
	Short: "Assign a tool definition to an agent",
	Long: `Assign a tool definition to an agent. The assigned definition
overrides any same-named tool a client requests through the proxy.
Parameters default to an empty object schema; pass --parameters with a
JSON Schema file to type them.`,
	Args: cobra.ExactArgs(2),
	RunE: agentsAssignTool,
}

var agentsApplyPoliciesCmd = &cobra.Command{
	Use:   "apply-policies [agent-name] [policies.yaml]",
	Short: "Load tool-invocation and trusted-data policies from a YAML file",
	Args:  cobra.ExactArgs(2),
	RunE:  agentsApplyPolicies,
}

func init() {
	agentsAssignToolCmd.Flags().StringVar(&assignToolDescription, "description", "", "tool description shown to the model")
	agentsAssignToolCmd.Flags().StringVar(&assignToolParamsFile, "parameters", "", "JSON Schema file for the tool parameters")

	agentsCmd.AddCommand(agentsCreateCmd)
	agentsCmd.AddCommand(agentsAssignToolCmd)
	agentsCmd.AddCommand(agentsApplyPoliciesCmd)
	rootCmd.AddCommand(agentsCmd)
}

func openStore() (*store.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	cfg.WarnIfDefaultKeys()

	return store.New(cfg.StoreDBPath(), cfg.SigningKey)
}

func agentsCreate(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	st, err := openStore()
	if err != nil {
		return fmt.Errorf("initializing store: %w", err)
	}
	defer st.Close()

	agent, err := st.EnsureAgent(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("%s\t%s\n", agent.ID, agent.Name)
	return nil
}

func agentsAssignTool(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	st, err := openStore()
	if err != nil {
		return fmt.Errorf("initializing store: %w", err)
	}
	defer st.Close()

	agent, err := st.EnsureAgent(ctx, args[0])
	if err != nil {
		return err
	}

	params := map[string]interface{}{}
	if assignToolParamsFile != "" {
		data, err := os.ReadFile(assignToolParamsFile)
		if err != nil {
			return fmt.Errorf("reading parameters file: %w", err)
		}
		if err := json.Unmarshal(data, &params); err != nil {
			return fmt.Errorf("parsing parameters file: %w", err)
		}
		if _, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data)); err != nil {
			return fmt.Errorf("parameters file is not a valid JSON Schema: %w", err)
		}
	}

	tool := model.ToolDefinition{
		Name:        args[1],
		Description: assignToolDescription,
		Parameters:  params,
	}
	if err := st.AssignTool(ctx, agent.ID, tool); err != nil {
		return err
	}
	fmt.Printf("Assigned %s to %s\n", tool.Name, agent.Name)
	return nil
}

// policyFile is the on-disk shape accepted by apply-policies.
type policyFile struct {
	InvocationPolicies  []policy.InvocationPolicy `yaml:"invocation_policies"`
	TrustedDataPolicies []policy.TrustPolicy      `yaml:"trusted_data_policies"`
}

func agentsApplyPolicies(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	data, err := os.ReadFile(args[1])
	if err != nil {
		return fmt.Errorf("reading policies file: %w", err)
	}
	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("parsing policies file: %w", err)
	}

	st, err := openStore()
	if err != nil {
		return fmt.Errorf("initializing store: %w", err)
	}
	defer st.Close()

	agent, err := st.EnsureAgent(ctx, args[0])
	if err != nil {
		return err
	}

	for _, p := range pf.InvocationPolicies {
		if err := st.SaveInvocationPolicy(ctx, agent.ID, p); err != nil {
			return fmt.Errorf("saving invocation policy for %s: %w", p.ToolName, err)
		}
	}
	for _, p := range pf.TrustedDataPolicies {
		if err := st.SaveTrustPolicy(ctx, agent.ID, p); err != nil {
			return fmt.Errorf("saving trusted-data policy for %s: %w", p.ToolName, err)
		}
	}
	fmt.Printf("Applied %d invocation and %d trusted-data policies to %s\n",
		len(pf.InvocationPolicies), len(pf.TrustedDataPolicies), agent.Name)
	return nil
}
