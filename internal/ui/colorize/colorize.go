// Package colorize renders trace output: disassembly through Chroma and
// fixed truecolor escapes for addresses, names and tags.
package colorize

import (
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
)

func firstLexer(names ...string) chroma.Lexer {
	for _, name := range names {
		if lexer := lexers.Get(name); lexer != nil {
			return lexer
		}
	}
	return nil
}

func firstStyle(names ...string) *chroma.Style {
	for _, name := range names {
		if style := styles.Get(name); style != nil {
			return style
		}
	}
	return styles.Fallback
}

func firstFormatter(names ...string) chroma.Formatter {
	for _, name := range names {
		if f := formatters.Get(name); f != nil {
			return f
		}
	}
	return formatters.Fallback
}

// IsDisabled reports whether colors are turned off through the environment.
func IsDisabled() bool {
	return os.Getenv("JNIVM_NO_COLOR") != "" || os.Getenv("NO_COLOR") != ""
}

// Instruction highlights one disassembled ARM64 instruction.
func Instruction(insn string) string {
	if IsDisabled() {
		return insn
	}
	lexer := firstLexer("nasm", "armasm", "gas")
	if lexer == nil {
		return insn
	}
	iterator, err := lexer.Tokenise(nil, insn)
	if err != nil {
		return insn
	}
	var buf strings.Builder
	style := firstStyle(DisasmDark.Name, "dracula", "monokai")
	if err := firstFormatter("terminal16m", "terminal256").Format(&buf, style, iterator); err != nil {
		return insn
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

func paint(hex, s string) string {
	if IsDisabled() {
		return s
	}
	var r, g, b uint8
	fmt.Sscanf(hex, "#%02x%02x%02x", &r, &g, &b)
	return fmt.Sprintf("\033[38;2;%d;%d;%dm%s\033[0m", r, g, b, s)
}

// Address formats an address as eight hex digits.
func Address(addr uint64) string { return paint(IDALabel, fmt.Sprintf("%08X", addr)) }

// HexBytes formats opcode bytes.
func HexBytes(s string) string { return paint(IDAHexBytes, s) }

// FuncName formats a function or symbol name.
func FuncName(name string) string { return paint(IDALabel, name) }

// Class formats a class name or descriptor.
func Class(name string) string { return paint(IDARegister, name) }

// Tag formats a #tag.
func Tag(tag string) string { return paint("#FFB4C8", tag) }

// Detail formats secondary text.
func Detail(s string) string { return paint("#B4B4B4", s) }

// Comment formats the trailing comment of a trace line.
func Comment(s string) string { return paint(IDAMnemonic, s) }

// Header formats section headers.
func Header(s string) string { return paint("#569CD6", s) }

// Border formats rules and separators.
func Border(s string) string { return paint("#505050", s) }

// String formats quoted string values.
func String(s string) string { return paint(IDANumber, s) }

// Error formats error messages.
func Error(s string) string { return paint(IDANumber, s) }

// Status formats a JNI status code, green for JNI_OK.
func Status(code int32) string {
	s := fmt.Sprintf("%d", code)
	if code == 0 {
		return paint(IDAString, s)
	}
	return Error(s)
}
