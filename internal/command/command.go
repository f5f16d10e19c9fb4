// Package command parses the reload command line into a reload request.
//
// Two spellings are accepted:
//
//	reload --mod MODULE [--cls TYPE] --func FUNCTION [-v]
//	reload MODULE [TYPE] FUNCTION [-v]
//
// Positional words fill whichever of module, type and function were not
// given as flags, in that order; the type is skipped when there are too few
// words to fill it.
package command

import (
	"errors"
	"fmt"
	"go/token"
	"io"
	"strings"

	"github.com/spf13/pflag"

	"livepatch/internal/reload"
)

// Name is the command word.
const Name = "reload"

// Usage is the help text shown for any parse failure.
const Usage = `usage: reload --mod MODULE [--cls TYPE] --func FUNCTION [-v]
       reload MODULE [TYPE] FUNCTION [-v]

Recompile one function or method from its current source file and install
it into the running process.

  --mod string    module the function is registered in (required)
  --cls string    owning type, for methods
  --func string   function or method name (required)
  -v, --verbose   show the full extracted source instead of an excerpt`

// UsageError is returned for input that is not a valid reload command.
// Callers render it with Usage.
type UsageError struct {
	Err error
}

func (e *UsageError) Error() string { return e.Err.Error() }
func (e *UsageError) Unwrap() error { return e.Err }

// Help reports whether the user asked for help rather than made a mistake.
func (e *UsageError) Help() bool { return errors.Is(e.Err, pflag.ErrHelp) }

func usageErrorf(format string, args ...interface{}) error {
	return &UsageError{Err: fmt.Errorf(format, args...)}
}

// Parse parses a command line. A leading "reload" word is optional.
func Parse(line string) (reload.Request, error) {
	args := strings.Fields(line)
	if len(args) > 0 && args[0] == Name {
		args = args[1:]
	}
	return ParseArgs(args)
}

// ParseArgs parses already split arguments.
func ParseArgs(args []string) (reload.Request, error) {
	var req reload.Request

	fs := pflag.NewFlagSet(Name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&req.Module, "mod", "", "module the function is registered in")
	fs.StringVar(&req.Type, "cls", "", "owning type, for methods")
	fs.StringVar(&req.Func, "func", "", "function or method name")
	fs.BoolVarP(&req.Verbose, "verbose", "v", false, "show the full extracted source")

	if err := fs.Parse(args); err != nil {
		return reload.Request{}, &UsageError{Err: err}
	}

	if err := fillPositional(fs, &req, fs.Args()); err != nil {
		return reload.Request{}, err
	}
	if err := validate(req); err != nil {
		return reload.Request{}, err
	}
	return req, nil
}

func fillPositional(fs *pflag.FlagSet, req *reload.Request, words []string) error {
	if len(words) == 0 {
		return nil
	}
	slots := []struct {
		flag string
		dst  *string
	}{
		{"mod", &req.Module},
		{"cls", &req.Type},
		{"func", &req.Func},
	}
	var open []*string
	skipType := false
	unset := 0
	for _, s := range slots {
		if !fs.Changed(s.flag) {
			unset++
		}
	}
	if len(words) < unset && !fs.Changed("cls") {
		skipType = true
	}
	for _, s := range slots {
		if fs.Changed(s.flag) || (skipType && s.flag == "cls") {
			continue
		}
		open = append(open, s.dst)
	}
	if len(words) > len(open) {
		return usageErrorf("unexpected argument %q", words[len(open)])
	}
	for i, w := range words {
		*open[i] = w
	}
	return nil
}

func validate(req reload.Request) error {
	if req.Module == "" {
		return usageErrorf("missing module (--mod)")
	}
	if strings.ContainsAny(req.Module, " \t") {
		return usageErrorf("invalid module name %q", req.Module)
	}
	if req.Func == "" {
		return usageErrorf("missing function (--func)")
	}
	if !token.IsIdentifier(req.Func) {
		return usageErrorf("invalid function name %q", req.Func)
	}
	if req.Type != "" && !token.IsIdentifier(req.Type) {
		return usageErrorf("invalid type name %q", req.Type)
	}
	return nil
}

// Format renders req as a command line that Parse reads back to req.
func Format(req reload.Request) string {
	parts := []string{Name, "--mod", req.Module}
	if req.Type != "" {
		parts = append(parts, "--cls", req.Type)
	}
	parts = append(parts, "--func", req.Func)
	if req.Verbose {
		parts = append(parts, "--verbose")
	}
	return strings.Join(parts, " ")
}
