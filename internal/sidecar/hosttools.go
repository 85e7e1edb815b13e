package sidecar

import (
	"context"
	"encoding/json"
	"fmt"
)

// ReservedSecretExists and ReservedSecretResolve are the only two
// host tools routable over the sandbox host-callback channel. They
// are never exposed to the model.
const (
	ReservedSecretExists  = "__lemon.secret.exists"
	ReservedSecretResolve = "__lemon.secret.resolve"
)

// ReservedHostTools builds a HostToolFunc serving the reserved secret
// tools against store, falling through to fn for every other tool
// name (nil fn rejects everything else).
func ReservedHostTools(store SecretStore, fn HostToolFunc) HostToolFunc {
	efs := EnvFallbackStore{Store: store}
	return func(ctx context.Context, tool string, paramsJSON json.RawMessage) (json.RawMessage, error) {
		switch tool {
		case ReservedSecretExists:
			var params struct {
				Name string `json:"name"`
			}
			if err := json.Unmarshal(paramsJSON, &params); err != nil {
				return nil, fmt.Errorf("invalid params for %s: %w", tool, err)
			}
			return json.Marshal(map[string]any{"exists": efs.Exists(params.Name)})

		case ReservedSecretResolve:
			var params struct {
				Name string `json:"name"`
			}
			if err := json.Unmarshal(paramsJSON, &params); err != nil {
				return nil, fmt.Errorf("invalid params for %s: %w", tool, err)
			}
			value, source, ok := efs.Resolve(params.Name)
			if !ok {
				return nil, fmt.Errorf("secret %q not found", params.Name)
			}
			return json.Marshal(map[string]any{"value": value, "source": source})

		default:
			if fn == nil {
				return nil, fmt.Errorf("no host tool handler registered for %q", tool)
			}
			return fn(ctx, tool, paramsJSON)
		}
	}
}

// WasmStatus describes why the sandbox tool runtime is unavailable
// (StartProcess failed) so a session can surface it without treating
// the condition as fatal.
func WasmStatus(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("sidecar unavailable: %s", err.Error())
}
