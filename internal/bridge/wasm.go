package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"
)

// hostModule is the import namespace offered to the guest. emit_token is
// the sink for guests that push their output instead of returning it.
const hostModule = "wplacer"

const maxModuleBytes = 32 << 20

type Options struct {
	// HTTPClient fetches module bytes; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

type wazeroGuest struct {
	rt  wazero.Runtime
	mod api.Module
}

// newWazeroLoader produces the production loadFunc: fetch the module
// bytes, stand up a runtime, compile and instantiate exactly once.
func newWazeroLoader(opts Options, sink *textSink, log *zap.Logger) loadFunc {
	httpc := opts.HTTPClient
	if httpc == nil {
		httpc = http.DefaultClient
	}

	return func(ctx context.Context, url string) (guest, error) {
		data, err := fetchModule(ctx, httpc, url)
		if err != nil {
			return nil, err
		}

		ts := time.Now()
		rt := wazero.NewRuntime(ctx)
		wasi_snapshot_preview1.MustInstantiate(ctx, rt)

		_, err = rt.NewHostModuleBuilder(hostModule).
			NewFunctionBuilder().
			WithFunc(func(ctx context.Context, mod api.Module, ptr, size uint32) {
				data, ok := mod.Memory().Read(ptr, size)
				if !ok {
					log.Warn("bridge: emit_token points outside module memory")
					return
				}
				sink.put(string(data))
			}).
			Export("emit_token").
			Instantiate(ctx)
		if err != nil {
			rt.Close(ctx) // don't leak
			return nil, fmt.Errorf("host module: %w", err)
		}

		code, err := rt.CompileModule(ctx, data)
		if err != nil {
			rt.Close(ctx)
			return nil, fmt.Errorf("compile: %w", err)
		}

		// also invokes the _start function
		mod, err := rt.InstantiateModule(ctx, code, wazero.NewModuleConfig().WithName("pawtect"))
		if err != nil {
			rt.Close(ctx)
			var exitErr *sys.ExitError
			if errors.As(err, &exitErr) && exitErr.ExitCode() != 0 {
				return nil, err
			}
			return nil, fmt.Errorf("instantiation error: %w", err)
		}

		for _, name := range []string{exportCompute, exportMalloc} {
			if mod.ExportedFunction(name) == nil {
				rt.Close(ctx)
				return nil, fmt.Errorf("module lacks export %q", name)
			}
		}

		log.Debug("bridge: module instantiated",
			zap.Int("bytes", len(data)), zap.Duration("took", time.Since(ts)))
		return &wazeroGuest{rt: rt, mod: mod}, nil
	}
}

func fetchModule(ctx context.Context, httpc *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch module: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch module: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxModuleBytes))
	if err != nil {
		return nil, fmt.Errorf("fetch module: %w", err)
	}
	return data, nil
}

func (g *wazeroGuest) call(ctx context.Context, name string, args ...uint64) ([]uint64, error) {
	fn := g.mod.ExportedFunction(name)
	if fn == nil {
		return nil, fmt.Errorf("no export %q", name)
	}
	return fn.Call(ctx, args...)
}

func (g *wazeroGuest) has(name string) bool {
	return g.mod.ExportedFunction(name) != nil
}

// writeString allocates fresh module memory and copies s into it.
func (g *wazeroGuest) writeString(ctx context.Context, s string) (uint32, uint32, error) {
	size := uint32(len(s))
	results, err := g.call(ctx, exportMalloc, uint64(size))
	if err != nil {
		return 0, 0, fmt.Errorf("malloc: %w", err)
	}
	if len(results) == 0 {
		return 0, 0, errors.New("malloc returned nothing")
	}
	ptr := uint32(results[0])
	if !g.mod.Memory().WriteString(ptr, s) {
		return 0, 0, fmt.Errorf("write at %d beyond module memory", ptr)
	}
	return ptr, size, nil
}

func (g *wazeroGuest) free(ctx context.Context, ptr uint32) error {
	_, err := g.call(ctx, exportFree, uint64(ptr))
	return err
}

func (g *wazeroGuest) memory() api.Memory { return g.mod.Memory() }

func (g *wazeroGuest) close(ctx context.Context) error { return g.rt.Close(ctx) }
