// Command jinspect loads a WebAssembly guest implementing the jni_* export
// surface and prints the members of the named classes.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"golang.org/x/term"

	"github.com/partite-ai/jinterop/jni"
	"github.com/partite-ai/jinterop/wasmjni"
)

func main() {
	var (
		guestPath  string
		minVersion string
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "jinspect --guest <module.wasm> <class>...",
		Short: "Print the constructors, fields and methods of foreign classes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

			width := 0
			if fd := int(os.Stdout.Fd()); term.IsTerminal(fd) {
				if w, _, err := term.GetSize(fd); err == nil {
					width = w
				}
			}

			ctx := cmd.Context()
			r := wazero.NewRuntime(ctx)
			defer r.Close(ctx)

			guest, host, err := loadGuest(ctx, r, guestPath, logger)
			if err != nil {
				return err
			}
			cfg := jni.NewConfig().WithLogger(logger).WithMinVersion(minVersion)
			vm, err := jni.NewVM(host.EntryPoint(guest, wasmjni.WithContext(ctx), wasmjni.WithLogger(logger)), cfg)
			if err != nil {
				return err
			}
			return inspect(ctx, vm, args, cmd.OutOrStdout(), width)
		},
	}

	cmd.Flags().StringVar(&guestPath, "guest", "", "path to the guest module (required)")
	cmd.Flags().StringVar(&minVersion, "min-version", "v1.2", "oldest interface version to accept")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log attach, metadata and disposal records")
	cmd.MarkFlagRequired("guest")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// loadGuest instantiates the jni_host module and the guest, with WASI
// available for guests built against it.
func loadGuest(ctx context.Context, r wazero.Runtime, path string, logger *slog.Logger) (api.Module, *wasmjni.Host, error) {
	binary, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read guest: %w", err)
	}
	wasi_snapshot_preview1.MustInstantiate(ctx, r)
	host, err := wasmjni.NewHost(ctx, r, wasmjni.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	compiled, err := r.CompileModule(ctx, binary)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compile guest: %w", err)
	}
	cfg := wazero.NewModuleConfig().
		WithName("guest").
		WithStdout(os.Stderr).
		WithStderr(os.Stderr).
		WithStartFunctions("_initialize")
	guest, err := r.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to instantiate guest: %w", err)
	}
	return guest, host, nil
}
