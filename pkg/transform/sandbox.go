package transform

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// Sandbox hosts tenant-supplied custom transform functions compiled to
// WASM. It exposes a single byte-in/byte-out call contract: the module
// must export a `transform(ptr, len) -> (ptr, len)` function operating
// on its own linear memory, given the JSON-encoded argument array and
// returning a JSON-encoded result value. The built-in functions in
// functions.go never go through this path.
type Sandbox struct {
	runtime wazero.Runtime
}

// NewSandbox creates a sandbox runtime. Callers must call Close when
// done to release compiled modules.
func NewSandbox(ctx context.Context) *Sandbox {
	return &Sandbox{runtime: wazero.NewRuntime(ctx)}
}

func (s *Sandbox) Close(ctx context.Context) error {
	return s.runtime.Close(ctx)
}

// Call instantiates wasmModule fresh for each invocation (tenant modules
// are small and untrusted; no cross-call state is retained) and runs its
// exported `transform` function against args.
func (s *Sandbox) Call(ctx context.Context, wasmModule []byte, args []any) (any, error) {
	mod, err := s.runtime.Instantiate(ctx, wasmModule)
	if err != nil {
		return nil, fmt.Errorf("transform: sandbox instantiate: %w", err)
	}
	defer func() { _ = mod.Close(ctx) }()

	fn := mod.ExportedFunction("transform")
	if fn == nil {
		return nil, fmt.Errorf("transform: sandbox module does not export \"transform\"")
	}

	argJSON, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("transform: sandbox marshal args: %w", err)
	}

	mem := mod.Memory()
	ptr, resultLen, err := writeAndCall(ctx, fn, mem, argJSON)
	if err != nil {
		return nil, err
	}

	out, ok := mem.Read(ptr, resultLen)
	if !ok {
		return nil, fmt.Errorf("transform: sandbox result out of memory bounds")
	}

	var result any
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, fmt.Errorf("transform: sandbox unmarshal result: %w", err)
	}
	return result, nil
}

func writeAndCall(ctx context.Context, fn api.Function, mem api.Memory, input []byte) (uint32, uint32, error) {
	// A real host would negotiate a scratch region via an exported
	// allocator; kept minimal here since no built-in mapping currently
	// ships a WASM function — this is the host surface future tenant
	// modules plug into.
	const scratchOffset = 1 << 16
	if !mem.Write(scratchOffset, input) {
		return 0, 0, fmt.Errorf("transform: sandbox input exceeds module memory")
	}
	results, err := fn.Call(ctx, uint64(scratchOffset), uint64(len(input)))
	if err != nil {
		return 0, 0, fmt.Errorf("transform: sandbox call: %w", err)
	}
	if len(results) != 2 {
		return 0, 0, fmt.Errorf("transform: sandbox function must return (ptr, len)")
	}
	return uint32(results[0]), uint32(results[1]), nil
}
