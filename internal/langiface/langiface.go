// Package langiface defines the narrow interface (§6) through which the
// module system consumes the som language's lexer/parser/code-generator.
// Those are explicitly out of scope (§1 Non-goals); this package only
// describes the contract and ships one reference adapter good enough to
// exercise the rest of the system end to end.
package langiface

// LanguageExtension is the resolved file extension that marks a module as
// subject to compilation (§4.4 step 5: "whose resolved extension is the
// language extension"); plain .js/.json dependencies pass through unchanged.
const LanguageExtension = ".som"

// ImportSpecifierKind mirrors the three specifier shapes an ImportDeclaration
// can carry (§6), matching the ECMAScript module grammar the som language's
// import syntax is modeled on.
type ImportSpecifierKind int

const (
	ImportDefaultSpecifier ImportSpecifierKind = iota
	ImportSpecifier
	ImportNamespaceSpecifier
)

// ImportSpecifierNode is one binding introduced by an import statement.
type ImportSpecifierNode struct {
	Type         ImportSpecifierKind
	ImportedName string // for ImportSpecifier: the exported name being imported
	LocalName    string
}

// ImportDeclarationNode is the only AST shape the Loader needs (§9: "The
// Loader only needs the source.value and the specifiers[] variants").
type ImportDeclarationNode struct {
	SourceValue string
	Specifiers  []ImportSpecifierNode
	Line        int
}

// ParseResult is what Parse returns (§6).
type ParseResult struct {
	Dependencies []ImportDeclarationNode
	Errors       []string
}

// CompileOptions narrows the options surface Compile accepts (§6).
type CompileOptions struct {
	Target     string
	SourceMap  bool
	Minify     bool
	TypeCheck  bool
	Strict     bool
}

// CompileResult is what Compile returns (§6).
type CompileResult struct {
	Code      string
	SourceMap string // empty when CompileOptions.SourceMap is false
	Errors    []string
	Warnings  []string
}

// Parser extracts import declarations from source text without executing it.
type Parser interface {
	Parse(source string) (ParseResult, error)
}

// Compiler turns source text into code (+ optional source map) for a single
// module. Actual code generation for the som language is out of scope; a
// real implementation is injected by the surrounding toolchain. Compile
// must never execute the source it is given.
type Compiler interface {
	Compile(source string, opts CompileOptions) (CompileResult, error)
}

// Pipeline bundles both halves of the external contract together, since the
// Compiler driver (C4) always needs both.
type Pipeline interface {
	Parser
	Compiler
}
