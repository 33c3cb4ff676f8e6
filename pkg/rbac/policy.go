package rbac

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/types"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/contracts"
)

// LaunchInput is the attribute set a launch policy may inspect.
type LaunchInput struct {
	Role       contracts.Role
	Mode       contracts.OperationMode
	BudgetCap  float64
	RuleCount  int
	IntentIDs  []string
	Attributes map[string]any
}

// LaunchPolicy is a compiled per-run CEL expression evaluated as an extra
// launch gate on top of the static guardrails. Evaluation failures deny.
type LaunchPolicy struct {
	source  string
	program cel.Program
}

var (
	launchEnvOnce sync.Once
	launchEnv     *cel.Env
	launchEnvErr  error
)

func launchCELEnv() (*cel.Env, error) {
	launchEnvOnce.Do(func() {
		launchEnv, launchEnvErr = cel.NewEnv(
			cel.VariableDecls(
				decls.NewVariable("role", types.StringType),
				decls.NewVariable("mode", types.StringType),
				decls.NewVariable("budget_cap", types.DoubleType),
				decls.NewVariable("rule_count", types.IntType),
				decls.NewVariable("intent_ids", types.NewListType(types.StringType)),
				decls.NewVariable("attributes", types.NewMapType(types.StringType, types.DynType)),
			),
		)
	})
	return launchEnv, launchEnvErr
}

// CompileLaunchPolicy compiles a CEL launch policy. The expression must
// produce a boolean.
func CompileLaunchPolicy(source string) (*LaunchPolicy, error) {
	env, err := launchCELEnv()
	if err != nil {
		return nil, fmt.Errorf("rbac: cel env: %w", err)
	}
	ast, issues := env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("rbac: policy compile: %w", issues.Err())
	}
	if ast.OutputType() != types.BoolType {
		return nil, fmt.Errorf("rbac: policy must evaluate to bool, got %s", ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("rbac: policy program: %w", err)
	}
	return &LaunchPolicy{source: source, program: prg}, nil
}

// Allow evaluates the policy. Fail closed: any evaluation error denies.
func (p *LaunchPolicy) Allow(in LaunchInput) (bool, error) {
	attrs := in.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	ids := in.IntentIDs
	if ids == nil {
		ids = []string{}
	}
	out, _, err := p.program.Eval(map[string]any{
		"role":       string(in.Role),
		"mode":       string(in.Mode),
		"budget_cap": in.BudgetCap,
		"rule_count": in.RuleCount,
		"intent_ids": ids,
		"attributes": attrs,
	})
	if err != nil {
		return false, fmt.Errorf("rbac: policy eval: %w", err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rbac: policy returned %T, want bool", out.Value())
	}
	return allowed, nil
}

// Source returns the original CEL expression.
func (p *LaunchPolicy) Source() string { return p.source }
