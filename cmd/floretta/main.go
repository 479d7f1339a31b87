package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/wippyai/floretta/autodiff"
)

const usage = `Usage: floretta [--forward | --reverse] [INPUT] [options]

Transforms a WebAssembly module for automatic differentiation.
Reads INPUT (or stdin) and writes the transformed module to --output
(or stdout).

Modes:
  --reverse              reverse mode: forward pass + backward pass (default)
  --forward              forward mode: dual-number rewriting

Options:
  --export PRIMAL ADJOINT  export the backward pass of the function
                           exported as PRIMAL under the name ADJOINT
                           (reverse mode, repeatable)
  --shadow-memory NAME     export the shadow of memory 0 as NAME
  --output FILE, -o FILE   output path (default: stdout)
  --verbose                log transformation progress to stderr
  --help, -h               show this help
`

type options struct {
	input   string
	output  string
	forward bool
	verbose bool
	cfg     autodiff.Config
}

func main() {
	opts, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "floretta:", err)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if opts == nil {
		fmt.Print(usage)
		return
	}

	if err := run(opts); err != nil {
		fmt.Fprintln(os.Stderr, "floretta:", err)
		os.Exit(1)
	}
}

func parseArgs(args []string) (*options, error) {
	opts := &options{}
	i := 0
	next := func(flag string) (string, error) {
		i++
		if i >= len(args) {
			return "", fmt.Errorf("%s requires an argument", flag)
		}
		return args[i], nil
	}

	for ; i < len(args); i++ {
		arg := args[i]
		switch arg {
		case "--help", "-h":
			return nil, nil
		case "--forward":
			opts.forward = true
		case "--reverse":
			opts.forward = false
		case "--verbose":
			opts.verbose = true
		case "--export":
			primal, err := next(arg)
			if err != nil {
				return nil, err
			}
			adjoint, err := next("--export")
			if err != nil {
				return nil, fmt.Errorf("--export requires PRIMAL and ADJOINT")
			}
			opts.cfg.AddExport(primal, adjoint)
		case "--shadow-memory":
			name, err := next(arg)
			if err != nil {
				return nil, err
			}
			opts.cfg.ShadowMemoryExport = name
		case "--output", "-o":
			path, err := next(arg)
			if err != nil {
				return nil, err
			}
			opts.output = path
		default:
			if strings.HasPrefix(arg, "-") {
				return nil, fmt.Errorf("unknown flag %s", arg)
			}
			if opts.input != "" {
				return nil, fmt.Errorf("unexpected argument %s", arg)
			}
			opts.input = arg
		}
	}
	return opts, nil
}

func run(opts *options) error {
	if opts.verbose {
		logger, err := zap.NewDevelopment()
		if err != nil {
			return err
		}
		defer logger.Sync()
		autodiff.SetLogger(logger)
	}

	input, err := readInput(opts.input)
	if err != nil {
		return err
	}

	var output []byte
	if opts.forward {
		output, err = autodiff.Forward(input, opts.cfg)
	} else {
		output, err = autodiff.Reverse(input, opts.cfg)
	}
	if err != nil {
		return err
	}

	return writeOutput(opts.output, output)
}

func readInput(path string) ([]byte, error) {
	if path == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	}
	if strings.HasSuffix(path, ".wat") {
		return nil, fmt.Errorf("%s: text format input must be assembled to .wasm first (e.g. with wat2wasm)", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func writeOutput(path string, data []byte) error {
	if path == "" {
		_, err := os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
