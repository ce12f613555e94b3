package commands

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/devloop/devloop/pkg/config"
	"github.com/devloop/devloop/pkg/engine"
	"github.com/devloop/devloop/pkg/gates"
)

// gateInvokers builds the invoker for each quality gate of an instance.
// Analyzers are detected once, when the server starts.
type gateInvokers struct {
	cfg       config.GatesConfig
	runner    gates.CommandRunner
	git       engine.GitPlatform
	analyzers map[engine.ActionType][]*gates.Analyzer
}

func newGateInvokers(cfg config.GatesConfig, runner gates.CommandRunner, git engine.GitPlatform, registry *gates.Registry, logger zerolog.Logger) *gateInvokers {
	g := &gateInvokers{
		cfg:       cfg,
		runner:    runner,
		git:       git,
		analyzers: make(map[engine.ActionType][]*gates.Analyzer),
	}
	for _, gate := range []engine.ActionType{engine.ActionStaticAnalysis, engine.ActionSecurityScan} {
		selected := registry.Select(cfg.Workspace, gate)
		g.analyzers[gate] = selected

		names := make([]string, 0, len(selected))
		for _, a := range selected {
			names = append(names, a.Name)
		}
		logger.Info().Str("gate", string(gate)).Strs("analyzers", names).Msg("analyzers selected")
	}
	return g
}

// invoker implements workflow.GateInvokerFactory.
func (g *gateInvokers) invoker(inst *engine.WorkflowInstance, action engine.ActionType) (gates.Invoker, error) {
	switch action {
	case engine.ActionBuild, engine.ActionTest:
		if g.cfg.UseCI {
			return &gates.CIInvoker{
				Platform:     g.git,
				IssueRef:     inst.IssueRef,
				Ref:          ciRef(inst),
				PollInterval: g.cfg.CIPollInterval,
				Timeout:      g.cfg.CITimeout,
			}, nil
		}

		spec := g.cfg.Build
		if action == engine.ActionTest {
			spec = g.cfg.Test
		}
		if spec.Command == "" {
			return nil, engine.NewStructuralError(fmt.Sprintf("no %s command configured", action), nil).
				WithAction(action).
				WithCode(engine.ErrCodeMissingConfig)
		}
		if spec.Dir == "" {
			spec.Dir = g.cfg.Workspace
		}
		spec.Env = instanceEnv(spec.Env, inst)
		return gates.NewCommandInvoker(g.runner, spec), nil

	case engine.ActionStaticAnalysis, engine.ActionSecurityScan:
		return &gates.AnalyzerInvoker{
			Runner:    g.runner,
			Analyzers: g.analyzers[action],
			Dir:       g.cfg.Workspace,
		}, nil
	}

	return nil, engine.NewStructuralError(fmt.Sprintf("%s is not a quality gate", action), nil).
		WithAction(action).
		WithCode(engine.ErrCodeMissingConfig)
}

// instanceEnv tells gate commands which branch and commit to check out.
func instanceEnv(base map[string]string, inst *engine.WorkflowInstance) map[string]string {
	env := make(map[string]string, len(base)+4)
	for k, v := range base {
		env[k] = v
	}
	env["DEVLOOP_INSTANCE_ID"] = inst.InstanceID
	env["DEVLOOP_ISSUE_REF"] = inst.IssueRef
	env["DEVLOOP_BRANCH"] = inst.Branch
	env["DEVLOOP_COMMIT"] = inst.CommitSHA
	return env
}

func ciRef(inst *engine.WorkflowInstance) string {
	if inst.CommitSHA != "" {
		return inst.CommitSHA
	}
	return inst.Branch
}
