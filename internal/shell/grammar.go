// Package shell implements the interactive JuniperKV command language.
package shell

import (
	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

// Command is one parsed shell line. Exactly one field is set.
//
//nolint:govet // participle grammar tags are not standard struct tags
type Command struct {
	Pos lexer.Position

	Get        *Get    `  @@`
	Put        *Put    `| @@`
	Delete     *Delete `| @@`
	Scan       *Scan   `| @@`
	Begin      *Begin  `| @@`
	Commit     bool    `| @"commit"`
	Abort      bool    `| @("abort" | "rollback")`
	Checkpoint bool    `| @"checkpoint"`
	Stats      bool    `| @"stats"`
	Help       bool    `| @"help"`
	Exit       bool    `| @("exit" | "quit")`
}

// Get reads one key.
//
//nolint:govet // participle grammar tags are not standard struct tags
type Get struct {
	Key string `"get" @(String | Word)`
}

// Put stores a value.
//
//nolint:govet // participle grammar tags are not standard struct tags
type Put struct {
	Key   string `"put" @(String | Word)`
	Value string `@(String | Word)`
}

// Delete removes a key.
//
//nolint:govet // participle grammar tags are not standard struct tags
type Delete struct {
	Key string `("del" | "delete") @(String | Word)`
}

// Scan lists a key range. A bare "-" leaves that end open.
//
//nolint:govet // participle grammar tags are not standard struct tags
type Scan struct {
	Start *string `"scan" @(String | Word)?`
	End   *string `@(String | Word)?`
}

// Begin opens an explicit transaction, read-write unless "ro" is given.
//
//nolint:govet // participle grammar tags are not standard struct tags
type Begin struct {
	Mode string `"begin" @("ro" | "rw" | "readonly" | "readwrite")?`
}

// shellLexer splits a line into quoted strings and bare words.
var shellLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "String", Pattern: `"(\\.|[^"\\])*"|'[^']*'`},
	{Name: "Word", Pattern: `[^\s"']+`},
	{Name: "Whitespace", Pattern: `\s+`},
})

// shellParser is the participle parser for shell lines.
var shellParser = participle.MustBuild[Command](
	participle.Lexer(shellLexer),
	participle.Elide("Whitespace"),
	participle.Unquote("String"),
	participle.CaseInsensitive("Word"),
)

// Parse parses a single shell line.
func Parse(line string) (*Command, error) {
	return shellParser.ParseString("", line)
}
