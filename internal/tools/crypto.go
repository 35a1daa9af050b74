package tools

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"hash"

	"github.com/google/uuid"

	"github.com/rendis/plangraph/internal/engine"
	"github.com/rendis/plangraph/pkg/schema"
)

const (
	HashToolName = "crypto.hash"
	HMACToolName = "crypto.hmac"
	UUIDToolName = "crypto.uuid"
)

const defaultHashAlgorithm = "sha256"

func hashFunc(tool, algorithm string) (func() hash.Hash, error) {
	switch algorithm {
	case "sha256":
		return sha256.New, nil
	case "sha384":
		return sha512.New384, nil
	case "sha512":
		return sha512.New, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: unsupported algorithm %q", tool, algorithm)
	}
}

var digestSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "data": {"type": "string"},
    "key": {"type": "string"},
    "algorithm": {"enum": ["sha256", "sha384", "sha512"], "default": "sha256"}
  },
  "required": ["data"]
}`)

// Hash returns crypto.hash: the hex digest of data.
func Hash() Definition {
	return &Func{
		Name:        HashToolName,
		Description: "Hex digest of a string (sha256, sha384 or sha512).",
		InputSchema: digestSchema,
		Fn: func(_ context.Context, args any, _ engine.ToolContext) (any, error) {
			params, err := paramsOf(HashToolName, args)
			if err != nil {
				return nil, err
			}
			data, ok := params["data"].(string)
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: missing required param 'data'", HashToolName)
			}
			algorithm := stringParam(params, "algorithm", defaultHashAlgorithm)
			newHash, err := hashFunc(HashToolName, algorithm)
			if err != nil {
				return nil, err
			}
			h := newHash()
			h.Write([]byte(data))
			return map[string]any{
				"hash":      hex.EncodeToString(h.Sum(nil)),
				"algorithm": algorithm,
			}, nil
		},
	}
}

// HMAC returns crypto.hmac: the hex HMAC of data under key.
func HMAC() Definition {
	return &Func{
		Name:        HMACToolName,
		Description: "Hex HMAC of a string under a key.",
		InputSchema: digestSchema,
		Fn: func(_ context.Context, args any, _ engine.ToolContext) (any, error) {
			params, err := paramsOf(HMACToolName, args)
			if err != nil {
				return nil, err
			}
			data, ok := params["data"].(string)
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: missing required param 'data'", HMACToolName)
			}
			key, err := requireString(HMACToolName, params, "key")
			if err != nil {
				return nil, err
			}
			algorithm := stringParam(params, "algorithm", defaultHashAlgorithm)
			newHash, err := hashFunc(HMACToolName, algorithm)
			if err != nil {
				return nil, err
			}
			mac := hmac.New(newHash, []byte(key))
			mac.Write([]byte(data))
			return map[string]any{
				"hmac":      hex.EncodeToString(mac.Sum(nil)),
				"algorithm": algorithm,
			}, nil
		},
	}
}

// UUID returns crypto.uuid, which ignores its args.
func UUID() Definition {
	return &Func{
		Name:        UUIDToolName,
		Description: "Generate a random v4 UUID.",
		Fn: func(_ context.Context, _ any, _ engine.ToolContext) (any, error) {
			return map[string]any{"uuid": uuid.NewString()}, nil
		},
	}
}
