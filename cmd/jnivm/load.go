package main

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zboralski/jnivm/internal/abi"
	"github.com/zboralski/jnivm/internal/config"
	"github.com/zboralski/jnivm/internal/emulator"
	"github.com/zboralski/jnivm/internal/jni"
	"github.com/zboralski/jnivm/internal/log"
	"github.com/zboralski/jnivm/internal/managed"
	"github.com/zboralski/jnivm/internal/nativelib"
	"github.com/zboralski/jnivm/internal/trace"
	"github.com/zboralski/jnivm/internal/ui/colorize"
)

const mainThread managed.ThreadID = 1

func newLoadCmd() *cobra.Command {
	var (
		maxInsn int
		unload  bool
	)
	cmd := &cobra.Command{
		Use:   "load <library.so>",
		Short: "Load a library through the system class loader and run JNI_OnLoad",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoad(args[0], maxInsn, unload)
		},
	}
	cmd.Flags().IntVarP(&maxInsn, "num", "n", 0, "trace the first n instructions (0 disables)")
	cmd.Flags().BoolVar(&unload, "unload", false, "unload the library and run JNI_OnUnload afterwards")
	return cmd
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

// session is one emulator with a VM bound to it.
type session struct {
	emu    *emulator.Emulator
	bridge *abi.Bridge
	vm     *jni.VM
	env    *jni.Env
}

func newSession(cfg *config.Config) (*session, error) {
	emu, err := emulator.New()
	if err != nil {
		return nil, fmt.Errorf("create emulator: %w", err)
	}
	b, err := abi.New(emu, log.Get())
	if err != nil {
		emu.Close()
		return nil, fmt.Errorf("install jni tables: %w", err)
	}
	vm, env, rc := jni.CreateJavaVM(jni.InitArgs{
		Version:  cfg.JNI.Version,
		ThreadID: mainThread,
		Config:   cfg,
		Boot:     managed.Boot,
		Platform: b,
		Natives:  b,
		Memory:   b.Memory(),
	})
	if rc != jni.OK {
		emu.Close()
		return nil, fmt.Errorf("create java vm: status %d", rc)
	}
	if err := b.Bind(vm, env); err != nil {
		vm.DestroyJavaVM(mainThread)
		emu.Close()
		return nil, fmt.Errorf("bind java vm: %w", err)
	}
	return &session{emu: emu, bridge: b, vm: vm, env: env}, nil
}

func (s *session) Close() {
	if rc := s.vm.DestroyJavaVM(mainThread); rc != jni.OK {
		log.Get().Warn("destroy java vm", zap.Int32("status", rc))
	}
	s.emu.Close()
}

func runLoad(path string, maxInsn int, unload bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log.Init(verbose || cfg.Log.Debug)

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	s, err := newSession(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	collector := trace.NewCollector(s.emu.LR, trace.DefaultEnricher)
	s.bridge.OnCall = collector.Record

	var out *outputWriter
	if !quiet {
		out = newOutputWriter()
		printHeader(out, abs, cfg)
	}

	insns := 0
	if maxInsn > 0 && out != nil {
		s.emu.HookCode(func(e *emulator.Emulator, addr uint64, size uint32) {
			insns++
			if insns > maxInsn {
				return
			}
			code, _ := e.MemRead(addr, 4)
			dis := disasm(code)
			out.Write(formatInsn(addr, code, dis, collector.GetAndClear()))
			if isBlockEnd(dis) {
				out.Write("")
			}
		})
	}
	flush := func() {
		if out == nil {
			collector.GetAndClear()
			return
		}
		for _, e := range collector.GetAndClear() {
			out.Write(formatEvent(e))
		}
	}

	lib, loadErr := s.env.LoadLibrary(nil, abs)
	flush()
	if loadErr == nil && unload {
		loadErr = unloadLibrary(s, lib)
		flush()
	}
	if out != nil {
		out.Close()
	}

	printSummary(abs, lib, collector, insns, loadErr)
	var verr *nativelib.VersionError
	if errors.As(loadErr, &verr) {
		return fmt.Errorf("JNI_OnLoad returned 0x%x", uint32(verr.Version))
	}
	return loadErr
}

func unloadLibrary(s *session, lib *nativelib.Library) error {
	loader, err := s.vm.Graph().SystemLoader(nil)
	if err != nil {
		return err
	}
	return s.vm.Libraries().Unload(s.env, loader, lib.Name)
}

func printSummary(path string, lib *nativelib.Library, c *trace.Collector, insns int, err error) {
	fmt.Println()
	fmt.Print(colorize.Border("───────────────────────────────────────── "))
	fmt.Print(colorize.FuncName(filepath.Base(path)))
	if lib != nil {
		fmt.Printf("  %s %s", colorize.Detail("version"), colorize.FuncName(fmt.Sprintf("0x%x", uint32(lib.Version))))
	}
	fmt.Printf("  %d %s", c.Count(trace.JNI), colorize.Detail("jni"))
	if n := c.Count(trace.JVM); n > 0 {
		fmt.Printf("  %d %s", n, colorize.Detail("jvm"))
	}
	if n := c.Total() - c.Count(trace.JNI) - c.Count(trace.JVM); n > 0 {
		fmt.Printf("  %d %s", n, colorize.Detail("stub"))
	}
	if n := c.Count(trace.Fallback); n > 0 {
		fmt.Printf("  %d %s", n, colorize.Error("unhandled"))
	}
	if insns > 0 {
		fmt.Printf("  %d %s", insns, colorize.Detail("insn"))
	}
	if err != nil {
		fmt.Printf("  %s", colorize.Error(err.Error()))
	}
	fmt.Println()
}
