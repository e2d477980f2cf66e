package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
)

type packageInfo struct {
	ImportPath string
	Imports    []string
}

// rules maps package patterns to import prefixes they must not reach.
// Transports talk to the authority through the hub, and the client mirror
// never links server-side state.
var rules = []struct {
	pattern   string
	forbidden []string
}{
	{
		pattern: "./internal/net/...",
		forbidden: []string{
			"gridsync/server/internal/world",
			"gridsync/server/internal/sim",
			"gridsync/server/internal/lease",
		},
	},
	{
		pattern: "./internal/client/...",
		forbidden: []string{
			"gridsync/server/internal/world",
			"gridsync/server/internal/sim",
			"gridsync/server/internal/lease",
			"gridsync/server/internal/broadcast",
		},
	},
}

func main() {
	var violations []string
	for _, rule := range rules {
		pkgs, err := listPackages(rule.pattern)
		if err != nil {
			fmt.Fprintf(os.Stderr, "depscheck: %v\n", err)
			os.Exit(1)
		}
		for _, pkg := range pkgs {
			for _, imp := range pkg.Imports {
				for _, prefix := range rule.forbidden {
					if imp == prefix || strings.HasPrefix(imp, prefix+"/") {
						violations = append(violations, fmt.Sprintf("%s -> %s", pkg.ImportPath, imp))
					}
				}
			}
		}
	}

	if len(violations) > 0 {
		sort.Strings(violations)
		fmt.Fprintln(os.Stderr, "depscheck: found forbidden imports:")
		for _, violation := range violations {
			fmt.Fprintf(os.Stderr, "  %s\n", violation)
		}
		os.Exit(1)
	}
}

func listPackages(pattern string) ([]packageInfo, error) {
	cmd := exec.Command("go", "list", "-json", pattern)
	cmd.Env = os.Environ()
	output, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			os.Stderr.Write(exitErr.Stderr)
		}
		return nil, fmt.Errorf("failed to list %s: %w", pattern, err)
	}

	var pkgs []packageInfo
	decoder := json.NewDecoder(bytes.NewReader(output))
	for {
		var pkg packageInfo
		if err := decoder.Decode(&pkg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("failed to decode package info: %w", err)
		}
		pkgs = append(pkgs, pkg)
	}
	return pkgs, nil
}
