package colorize

import (
	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/styles"
)

// Palette shared by the disassembly style and the plain formatters.
const (
	IDAAddress  = "#808080"
	IDAMnemonic = "#FFFFFF"
	IDARegister = "#87CEEB"
	IDANumber   = "#FF80C0"
	IDALabel    = "#FFC800"
	IDAComment  = "#FF8000"
	IDAString   = "#00FF00"
	IDAHexBytes = "#646464"
)

// DisasmDark highlights NASM-lexed ARM64 disassembly on a black background.
var DisasmDark = styles.Register(chroma.MustNewStyle("disasm-dark", chroma.StyleEntries{
	chroma.Text:           IDAMnemonic,
	chroma.Background:     "bg:#000000",
	chroma.Comment:        IDAComment,
	chroma.CommentPreproc: IDAComment,

	chroma.Keyword:       IDAMnemonic,
	chroma.KeywordPseudo: IDAMnemonic,
	chroma.Name:          IDARegister,
	chroma.NameBuiltin:   IDARegister,
	chroma.NameVariable:  IDARegister,

	chroma.LiteralNumber:        IDANumber,
	chroma.LiteralNumberHex:     IDANumber,
	chroma.LiteralNumberBin:     IDANumber,
	chroma.LiteralNumberOct:     IDANumber,
	chroma.LiteralNumberInteger: IDANumber,
	chroma.LiteralNumberFloat:   IDANumber,

	chroma.NameLabel:    IDALabel,
	chroma.NameFunction: IDAMnemonic,

	chroma.Operator:    IDAMnemonic,
	chroma.Punctuation: IDAMnemonic,

	chroma.String: IDAString,
}))
