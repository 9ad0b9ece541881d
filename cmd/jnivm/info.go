package main

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/zboralski/jnivm/internal/emulator"
	"github.com/zboralski/jnivm/internal/nativelib"
	"github.com/zboralski/jnivm/internal/ui/colorize"
)

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <library.so>",
		Short: "List a library's JNI hooks and native method exports",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return showInfo(args[0])
		},
	}
}

func showInfo(path string) error {
	exports, err := emulator.ReadExports(path)
	if err != nil {
		return fmt.Errorf("read exports: %w", err)
	}

	fmt.Printf("%s %s\n", colorize.Header("Library:"), filepath.Base(path))
	fmt.Printf("%s %d\n", colorize.Header("Exports:"), len(exports))
	for _, hook := range []string{nativelib.OnLoadSymbol, nativelib.OnUnloadSymbol} {
		if addr, ok := exports[hook]; ok {
			fmt.Printf("  %s  %s\n", colorize.Address(addr), colorize.FuncName(hook))
		}
	}

	natives := jniExports(exports)
	if len(natives) == 0 {
		return nil
	}
	fmt.Printf("\n%s\n", colorize.Header("Native methods:"))
	for _, n := range natives {
		fmt.Printf("  %s  %s\n", colorize.Address(n.addr), colorize.Class(n.sym.String()))
		if !quiet {
			fmt.Printf("            %s\n", colorize.Detail(n.name))
		}
	}
	return nil
}

type nativeExport struct {
	name string
	addr uint64
	sym  nativelib.Symbol
}

// jniExports decodes every Java_ export, sorted by Java name.
func jniExports(exports map[string]uint64) []nativeExport {
	var out []nativeExport
	for name, addr := range exports {
		sym, err := nativelib.Unmangle(name)
		if err != nil {
			continue
		}
		out = append(out, nativeExport{name: name, addr: addr, sym: sym})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].sym.String() < out[j].sym.String()
	})
	return out
}
