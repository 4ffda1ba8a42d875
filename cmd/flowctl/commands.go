package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/songzhibin97/approval-flow/directory"
	"github.com/songzhibin97/approval-flow/history"
	"github.com/songzhibin97/approval-flow/types"
	"github.com/songzhibin97/approval-flow/workflow"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// LoadDefinition reads a YAML flow definition.
func LoadDefinition(path string) (types.FlowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.FlowDefinition{}, fmt.Errorf("read definition %s: %w", path, err)
	}
	var def types.FlowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return types.FlowDefinition{}, fmt.Errorf("parse definition %s: %w", path, err)
	}
	if def.Code == "" {
		def.Code = def.Name
	}
	return def, nil
}

// ParseVars turns key=value pairs into process variables. Values are decoded
// as YAML scalars, so "1200" is an int and "true" a bool.
func ParseVars(pairs []string) (map[string]interface{}, error) {
	vars := make(map[string]interface{}, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("variable %q must be key=value", p)
		}
		var value interface{}
		if err := yaml.Unmarshal([]byte(v), &value); err != nil || value == nil {
			value = v
		}
		vars[k] = value
	}
	return vars, nil
}

// NewValidateCmd checks definition files against an in-memory engine.
func NewValidateCmd(configFn func() string, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE...",
		Short: "Validate flow definitions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()
			cfg, err := loadConfig(configFn())
			if err != nil {
				return err
			}
			// validation never needs the configured backends
			cfg.Redis.Addr, cfg.Postgres.DSN, cfg.AMQP.URL = "", "", ""
			env, err := newEnv(cmd.Context(), cfg, nil)
			if err != nil {
				return err
			}
			defer env.Close(cmd.Context())

			for _, path := range args {
				def, err := LoadDefinition(path)
				if err != nil {
					return err
				}
				if err := env.engine.RegisterDefinition(cmd.Context(), def); err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				def, err = env.engine.GetDefinition(cmd.Context(), def.ID)
				if err != nil {
					return err
				}
				out.Print(nodeHeaders, nodeRows(def), def)
				out.Success(fmt.Sprintf("%s: flow definition %d (%s) is valid", path, def.ID, def.Code))
			}
			return nil
		},
	}
}

// NewRunCmd starts an instance of a definition and approves every pending
// node instance as its approver until the flow leaves the running state.
func NewRunCmd(configFn func() string, outputFn func() *Output) *cobra.Command {
	var (
		directoryPath string
		documentID    uint64
		initiatorID   uint64
		freeMode      bool
		maxSteps      int
		varPairs      []string
	)

	cmd := &cobra.Command{
		Use:   "run FILE",
		Short: "Run a flow definition to the end",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := outputFn()

			def, err := LoadDefinition(args[0])
			if err != nil {
				return err
			}
			vars, err := ParseVars(varPairs)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(configFn())
			if err != nil {
				return err
			}
			var dir directory.Directory
			if directoryPath != "" {
				if dir, err = directory.LoadStaticDirectory(directoryPath); err != nil {
					return err
				}
			}
			env, err := newEnv(ctx, cfg, dir)
			if err != nil {
				return err
			}
			defer env.Close(ctx)
			if err := registerBuiltinActions(env); err != nil {
				return err
			}
			if err := env.engine.RegisterDefinition(ctx, def); err != nil {
				return err
			}

			mode := types.FlowModeFixed
			if freeMode {
				mode = types.FlowModeFree
			}
			inst, err := drive(ctx, env.engine, types.StartCommand{
				DocumentID:  documentID,
				FlowDefID:   def.ID,
				FlowMode:    mode,
				InitiatorID: initiatorID,
				Variables:   vars,
			}, maxSteps)
			if err != nil {
				return err
			}

			timeline, err := env.engine.History(ctx, inst.ID)
			if err != nil {
				return err
			}
			out.Print(activityHeaders, activityRows(timeline), timeline)
			out.Success(fmt.Sprintf("flow instance %d finished as %s", inst.ID, inst.Status))
			return nil
		},
	}

	cmd.Flags().StringVar(&directoryPath, "directory", "", "YAML user directory")
	cmd.Flags().Uint64Var(&documentID, "document", 1, "Document ID")
	cmd.Flags().Uint64Var(&initiatorID, "initiator", 1, "Initiator user ID")
	cmd.Flags().BoolVar(&freeMode, "free", false, "Start the instance in free-flow mode")
	cmd.Flags().IntVar(&maxSteps, "max-steps", 100, "Maximum number of approvals")
	cmd.Flags().StringArrayVar(&varPairs, "var", nil, "Process variable key=value (repeatable)")
	return cmd
}

// drive starts an instance and approves pending work until it finishes.
func drive(ctx context.Context, e *workflow.Engine, start types.StartCommand, maxSteps int) (types.FlowInstance, error) {
	res, err := e.Start(ctx, start)
	if err != nil {
		return types.FlowInstance{}, err
	}
	inst := *res.Instance
	for step := 0; inst.Status == types.FlowRunning; step++ {
		if step >= maxSteps {
			return inst, fmt.Errorf("flow instance %d still running after %d approvals", inst.ID, maxSteps)
		}
		ni, ok := nextPending(inst)
		if !ok {
			return inst, fmt.Errorf("flow instance %d is running with nothing to approve", inst.ID)
		}
		res, err = e.Approve(ctx, types.ApproveCommand{
			FlowInstanceID: inst.ID,
			NodeInstanceID: ni.ID,
			ApproverID:     ni.ApproverID(),
			Comments:       "approved by flowctl",
		})
		if err != nil {
			return inst, err
		}
		inst = *res.Instance
	}
	return inst, nil
}

func nextPending(inst types.FlowInstance) (types.FlowNodeInstance, bool) {
	for _, ni := range inst.NodeInstances {
		if ni.Status == types.NodePending && ni.ApproverID() != 0 {
			return ni, true
		}
	}
	return types.FlowNodeInstance{}, false
}

// registerBuiltinActions makes "noop" and "log" available to auto nodes.
func registerBuiltinActions(env *env) error {
	if err := env.engine.RegisterAction("noop", workflow.ActionFunc(
		func(context.Context, map[string]interface{}) (interface{}, error) { return nil, nil },
	)); err != nil {
		return err
	}
	return env.engine.RegisterAction("log", workflow.ActionFunc(
		func(_ context.Context, vars map[string]interface{}) (interface{}, error) {
			env.logger.Info("auto node", zap.Any("vars", vars))
			return nil, nil
		},
	))
}

var nodeHeaders = []string{"ID", "NAME", "TYPE", "APPROVERS", "NEXT"}

func nodeRows(def types.FlowDefinition) [][]string {
	rows := make([][]string, len(def.Nodes))
	for i, n := range def.Nodes {
		next := strconv.FormatUint(n.NextNodeID, 10)
		if len(n.NextNodeIDs) > 0 {
			next = n.NextNodeIDs.String()
		}
		approvers := string(n.ApproverType)
		if n.ApproverValue != "" {
			approvers += " " + n.ApproverValue
		}
		kind := string(n.Type)
		if n.GatewayType != "" {
			kind += "/" + string(n.GatewayType)
		}
		rows[i] = []string{strconv.FormatUint(n.ID, 10), n.Name, kind, approvers, next}
	}
	return rows
}

var activityHeaders = []string{"TIME", "ACTIVITY", "NODE", "OPERATOR", "COMMENTS"}

func activityRows(t history.Timeline) [][]string {
	rows := make([][]string, len(t.Activities))
	for i, a := range t.Activities {
		rows[i] = []string{
			time.UnixMilli(a.CreatedAt).Format(time.RFC3339),
			string(a.Activity),
			strconv.FormatUint(a.NodeID, 10),
			strconv.FormatUint(a.OperatorID, 10),
			a.Comments,
		}
	}
	return rows
}
