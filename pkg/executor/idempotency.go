package executor

import (
	"fmt"

	"github.com/Mindburn-Labs/wmag/pkg/canonicalize"
	"github.com/Mindburn-Labs/wmag/pkg/kernelerrors"
	"github.com/Mindburn-Labs/wmag/pkg/registry"
)

// idemKey derives the dedup key for a step invocation, or fails with the
// idempotency class when a side-effect action has no derivable key.
//
// Hash strategy: "idem_" + hex(sha256(jcs({action_id, args, tenant_id})))[:32],
// where args is restricted to idempotency.fields when declared.
func idemKey(action registry.Action, args map[string]any, tenantID string) (string, error) {
	idem := action.Idempotency
	if idem == nil {
		if action.SideEffect {
			return "", kernelerrors.New(kernelerrors.ClassIdempotency,
				fmt.Sprintf("side-effect action %s declares no idempotency strategy", action.ActionID))
		}
		return "", nil
	}
	switch idem.Strategy {
	case registry.IdemStrategyExplicitKey:
		key, _ := args["idempotency_key"].(string)
		if key == "" {
			return "", kernelerrors.New(kernelerrors.ClassIdempotency,
				fmt.Sprintf("action %s requires args.idempotency_key", action.ActionID))
		}
		return key, nil
	case registry.IdemStrategyHash, "":
		material := args
		if len(idem.Fields) > 0 {
			material = map[string]any{}
			for _, f := range idem.Fields {
				if v, ok := args[f]; ok {
					material[f] = v
				}
			}
		}
		digest, err := canonicalize.CanonicalHash(map[string]any{
			"action_id": action.ActionID,
			"args":      material,
			"tenant_id": tenantID,
		})
		if err != nil {
			return "", kernelerrors.Wrap(kernelerrors.ClassIdempotency, err)
		}
		return "idem_" + digest[:32], nil
	default:
		return "", kernelerrors.New(kernelerrors.ClassIdempotency,
			fmt.Sprintf("unknown idempotency strategy %q", idem.Strategy))
	}
}
