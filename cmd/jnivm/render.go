package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/arch/arm64/arm64asm"

	"github.com/zboralski/jnivm/internal/config"
	"github.com/zboralski/jnivm/internal/trace"
	"github.com/zboralski/jnivm/internal/ui/colorize"
)

type outputWriter struct {
	ch     chan string
	done   chan struct{}
	writer *bufio.Writer
}

func newOutputWriter() *outputWriter {
	w := &outputWriter{
		ch:     make(chan string, 2048),
		done:   make(chan struct{}),
		writer: bufio.NewWriterSize(os.Stdout, 64*1024),
	}
	go w.run()
	return w
}

func (w *outputWriter) run() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case line, ok := <-w.ch:
			if !ok {
				w.writer.Flush()
				close(w.done)
				return
			}
			w.writer.WriteString(line)
			w.writer.WriteByte('\n')
		case <-ticker.C:
			w.writer.Flush()
		}
	}
}

// Write queues a line. Trace output blocks rather than drop lines.
func (w *outputWriter) Write(line string) {
	w.ch <- line
}

func (w *outputWriter) Close() {
	close(w.ch)
	<-w.done
}

func printHeader(w *outputWriter, path string, cfg *config.Config) {
	if cwd, err := os.Getwd(); err == nil {
		if rel, err := filepath.Rel(cwd, path); err == nil && !strings.HasPrefix(rel, "..") {
			path = rel
		}
	}
	w.Write("")
	w.Write(fmt.Sprintf("%s jnivm ─ JNI bridge trace", colorize.Header("▶")))
	w.Write(fmt.Sprintf("  %s %s", colorize.Detail("Loading:"), path))
	w.Write(fmt.Sprintf("  %s %s  %s %s",
		colorize.Detail("JNI:"), colorize.FuncName(fmt.Sprintf("0x%x", uint32(cfg.JNI.Version))),
		colorize.Detail("System loader:"), colorize.Class(systemLoaderName(cfg))))
	w.Write("")
}

func systemLoaderName(cfg *config.Config) string {
	if cfg.Loader.SystemClassLoader == "" {
		return "app"
	}
	return cfg.Loader.SystemClassLoader
}

// formatEvent renders one bridge or stub call on its own line.
func formatEvent(e *trace.Event) string {
	var b strings.Builder
	b.WriteString(colorize.Address(e.PC))
	b.WriteString("  ")
	b.WriteString(colorize.FuncName(e.Name))
	if e.Detail != "" {
		b.WriteByte(' ')
		b.WriteString(colorize.Detail(e.Detail))
	}
	b.WriteString("  ")
	b.WriteString(colorize.Tag(strings.Join(e.Tags.Strings(), " ")))
	return b.String()
}

// formatInsn renders one instruction with the calls it made as a comment.
func formatInsn(addr uint64, code []byte, dis string, events []*trace.Event) string {
	var b strings.Builder
	b.Grow(256)

	visible := 0
	b.WriteString(colorize.Address(addr))
	b.WriteString("  ")
	visible += 10
	if len(code) >= 4 {
		b.WriteString(colorize.HexBytes(fmt.Sprintf("%02X%02X%02X%02X", code[3], code[2], code[1], code[0])))
		b.WriteString("  ")
		visible += 10
	}
	b.WriteString(colorize.Instruction(dis))
	visible += len(dis)

	if len(events) == 0 {
		return b.String()
	}
	const commentCol = 50
	for ; visible < commentCol; visible++ {
		b.WriteByte(' ')
	}
	var tags, calls []string
	for _, e := range events {
		for _, t := range e.Tags.Strings() {
			if !contains(tags, t) {
				tags = append(tags, t)
			}
		}
		call := e.Name
		if e.Detail != "" {
			call += " " + e.Detail
		}
		calls = append(calls, call)
	}
	b.WriteString(colorize.Comment("; " + strings.Join(tags, " ") + " " + strings.Join(calls, ", ")))
	return b.String()
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func isBlockEnd(dis string) bool {
	fields := strings.Fields(strings.ToUpper(dis))
	if len(fields) == 0 {
		return false
	}
	op := fields[0]
	switch op {
	case "RET", "BR", "B", "ERET":
		return true
	}
	return strings.HasPrefix(op, "B.") ||
		strings.HasPrefix(op, "CBZ") || strings.HasPrefix(op, "CBNZ") ||
		strings.HasPrefix(op, "TBZ") || strings.HasPrefix(op, "TBNZ")
}

func disasm(code []byte) string {
	if len(code) < 4 {
		return "???"
	}
	inst, err := arm64asm.Decode(code)
	if err != nil {
		return fmt.Sprintf(".word 0x%08x", uint32(code[0])|uint32(code[1])<<8|uint32(code[2])<<16|uint32(code[3])<<24)
	}
	return inst.String()
}
