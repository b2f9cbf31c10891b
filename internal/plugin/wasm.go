package plugin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/untoldecay/lix/internal/types"
)

// wasmRuntime owns the shared wazero runtime all components instantiate
// into.
type wasmRuntime struct {
	runtime wazero.Runtime
}

func newWASMRuntime() *wasmRuntime {
	ctx := context.Background()
	r := wazero.NewRuntime(ctx)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)
	return &wasmRuntime{runtime: r}
}

func (w *wasmRuntime) load(ctx context.Context, manifest Manifest, component []byte) (*wasmPlugin, error) {
	mod, err := w.runtime.InstantiateWithConfig(ctx, component,
		wazero.NewModuleConfig().WithName(manifest.Key))
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate component: %w", err)
	}
	for _, export := range []string{"lix_alloc", "lix_free", "detect_changes", "apply_changes"} {
		if mod.ExportedFunction(export) == nil {
			mod.Close(ctx)
			return nil, fmt.Errorf("component does not export %s", export)
		}
	}
	return &wasmPlugin{manifest: manifest, module: mod}, nil
}

// wasmPlugin calls a component over a JSON memory ABI: requests are
// written into guest memory via lix_alloc, the entry point returns a
// packed (ptr << 32 | len) pointing at the JSON response.
type wasmPlugin struct {
	manifest Manifest
	module   api.Module
}

func (p *wasmPlugin) Manifest() Manifest { return p.manifest }

func (p *wasmPlugin) close(ctx context.Context) {
	p.module.Close(ctx)
}

func (p *wasmPlugin) call(ctx context.Context, entry string, payload any) ([]byte, error) {
	request, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	alloc := p.module.ExportedFunction("lix_alloc")
	free := p.module.ExportedFunction("lix_free")
	fn := p.module.ExportedFunction(entry)

	allocRes, err := alloc.Call(ctx, uint64(len(request)))
	if err != nil {
		return nil, fmt.Errorf("lix_alloc: %w", err)
	}
	ptr := uint32(allocRes[0])
	if !p.module.Memory().Write(ptr, request) {
		return nil, fmt.Errorf("request does not fit in component memory")
	}
	defer free.Call(ctx, uint64(ptr), uint64(len(request)))

	callRes, err := fn.Call(ctx, uint64(ptr), uint64(len(request)))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", entry, err)
	}
	packed := callRes[0]
	respPtr := uint32(packed >> 32)
	respLen := uint32(packed & 0xffffffff)
	response, ok := p.module.Memory().Read(respPtr, respLen)
	if !ok {
		return nil, fmt.Errorf("%s returned an invalid memory range", entry)
	}
	out := make([]byte, len(response))
	copy(out, response)
	free.Call(ctx, uint64(respPtr), uint64(respLen))

	var envelope struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(out, &envelope); err == nil && envelope.Error != "" {
		return nil, &types.LixError{Message: envelope.Error}
	}
	return out, nil
}

func (p *wasmPlugin) DetectChanges(ctx context.Context, req DetectRequest) ([]types.DetectedFileChange, error) {
	response, err := p.call(ctx, "detect_changes", req)
	if err != nil {
		return nil, types.WrapPlugin(p.manifest.Key, err)
	}
	var decoded struct {
		Changes []types.DetectedFileChange `json:"changes"`
	}
	if err := json.Unmarshal(response, &decoded); err != nil {
		return nil, types.WrapPlugin(p.manifest.Key, fmt.Errorf("invalid detect_changes response: %w", err))
	}
	for i := range decoded.Changes {
		if decoded.Changes[i].PluginKey == "" {
			decoded.Changes[i].PluginKey = p.manifest.Key
		}
	}
	return decoded.Changes, nil
}

func (p *wasmPlugin) ApplyChanges(ctx context.Context, fileSnapshot []byte, changes []EntityChange) ([]byte, error) {
	payload := struct {
		FileSnapshot []byte         `json:"file_snapshot"`
		Changes      []EntityChange `json:"changes"`
	}{FileSnapshot: fileSnapshot, Changes: changes}
	response, err := p.call(ctx, "apply_changes", payload)
	if err != nil {
		return nil, types.WrapPlugin(p.manifest.Key, err)
	}
	var decoded struct {
		Data []byte `json:"data"`
	}
	if err := json.Unmarshal(response, &decoded); err != nil {
		return nil, types.WrapPlugin(p.manifest.Key, fmt.Errorf("invalid apply_changes response: %w", err))
	}
	return decoded.Data, nil
}
