package auth

import (
	"context"
	"errors"
	"fmt"

	"collab-server/hooks"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

var ErrDenied = errors.New("join denied by policy")

// policyEnv lists the variables a join policy can read.
func policyEnv(data hooks.JoinPayload) map[string]any {
	env := map[string]any{
		"document": data.DocumentName,
		"clients":  data.ClientsCount,
		"subject":  "",
		"name":     "",
		"role":     "",
	}
	if claims, ok := data.Context.(*Claims); ok && claims != nil {
		env["subject"] = claims.Subject
		env["name"] = claims.Name
		env["role"] = claims.Role
	}
	return env
}

// JoinPolicy compiles expression into a join hook. The expression must
// yield a bool, for example:
//
//	role == "admin" || (document startsWith subject + "/" && clients < 20)
func JoinPolicy(expression string) (hooks.Gate[hooks.JoinPayload], error) {
	program, err := expr.Compile(expression,
		expr.Env(policyEnv(hooks.JoinPayload{})),
		expr.AsBool(),
	)
	if err != nil {
		return nil, fmt.Errorf("compile join policy: %w", err)
	}
	return policyGate(program), nil
}

func policyGate(program *vm.Program) hooks.Gate[hooks.JoinPayload] {
	return func(ctx context.Context, data hooks.JoinPayload) (any, error) {
		result, err := expr.Run(program, policyEnv(data))
		if err != nil {
			return nil, fmt.Errorf("evaluate join policy: %w", err)
		}
		if allowed, _ := result.(bool); !allowed {
			return nil, ErrDenied
		}
		return nil, nil
	}
}
