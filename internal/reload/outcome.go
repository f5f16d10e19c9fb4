package reload

import "livepatch/internal/symtab"

// Kind classifies the outcome of one reload request.
type Kind int

const (
	Success Kind = iota
	NotFound
	UnsupportedOpaqueTarget
	SourceUnavailable
	SyntaxError
	CompileError
	Unchanged
	InstallError
	UnexpectedError
)

var kindNames = [...]string{
	Success:                 "success",
	NotFound:                "not_found",
	UnsupportedOpaqueTarget: "unsupported_opaque_target",
	SourceUnavailable:       "source_unavailable",
	SyntaxError:             "syntax_error",
	CompileError:            "compile_error",
	Unchanged:               "unchanged",
	InstallError:            "install_error",
	UnexpectedError:         "unexpected_error",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// State is a step of the reload state machine. States only move forward;
// a failure ends the request in the state it happened in.
type State int

const (
	Resolving State = iota
	Locating
	Unwinding
	Recompiling
	Diffing
	Installing
	Done
)

var stateNames = [...]string{"resolving", "locating", "unwinding", "recompiling", "diffing", "installing", "done"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Request asks for one symbol to be reloaded.
type Request struct {
	// ID ties the request's audit records together; it may be empty.
	ID      string
	Module  string
	Type    string
	Func    string
	Verbose bool
}

// Ref returns the symbol the request names.
func (r Request) Ref() symtab.Ref {
	return symtab.Ref{Module: r.Module, Type: r.Type, Func: r.Func}
}

// Outcome is the result of exactly one request. It carries everything the
// renderer needs.
type Outcome struct {
	Kind Kind
	Ref  symtab.Ref
	// State is where the request stopped; Done on success.
	State State
	// FilePath and Source are set once the declaration was located.
	FilePath string
	Source   string
	// TypeSource is the owning type's declaration for method requests,
	// spanning TypeStartLine..TypeEndLine of FilePath.
	TypeSource    string
	TypeStartLine int
	TypeEndLine   int
	// Message explains a failure; empty on success.
	Message    string
	Generation uint64
	Verbose    bool
	// Diff is the unified diff from the previously installed source, when
	// that source was known.
	Diff string
}

// OK reports whether the request installed a new implementation.
func (o Outcome) OK() bool { return o.Kind == Success }
