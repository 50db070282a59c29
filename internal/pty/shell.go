package pty

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
)

// shellCandidates are probed in order when $SHELL is unset.
var shellCandidates = []string{"/bin/bash", "/bin/zsh", "/bin/sh"}

// DetectShell returns the shell to run when none is configured.
func DetectShell() (string, error) {
	if runtime.GOOS == "windows" {
		return "powershell.exe", nil
	}

	if shell := os.Getenv("SHELL"); shell != "" {
		return shell, nil
	}
	for _, candidate := range shellCandidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	if path, err := exec.LookPath("bash"); err == nil {
		return path, nil
	}
	return "", errors.New("no shell found")
}

// SplitCommand splits a command line on blanks, keeping single or double
// quoted runs together. Quotes are removed.
func SplitCommand(cmd string) []string {
	var parts []string
	var current strings.Builder
	var quote rune
	inToken := false

	for _, r := range cmd {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '"' || r == '\'':
			quote = r
			inToken = true
		case r == ' ' || r == '\t':
			if inToken {
				parts = append(parts, current.String())
				current.Reset()
				inToken = false
			}
		default:
			current.WriteRune(r)
			inToken = true
		}
	}

	if inToken {
		parts = append(parts, current.String())
	}
	return parts
}

// ResolveDir expands a leading "~" and picks the default working directory:
// $HOME, then the broker's own working directory.
func ResolveDir(dir string) (string, error) {
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil && home != "" {
			return home, nil
		}
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolve working directory: %w", err)
		}
		return wd, nil
	}

	if dir == "~" || strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expand %s: %w", dir, err)
		}
		return home + dir[1:], nil
	}
	return dir, nil
}

// BuildEnv layers overrides on top of base and sets TERM unless an override
// already does. Later entries win in exec, so overrides replace rather than
// duplicate existing keys.
func BuildEnv(base []string, overrides map[string]string, termName string) []string {
	if _, ok := overrides["TERM"]; !ok && termName != "" {
		merged := make(map[string]string, len(overrides)+1)
		for k, v := range overrides {
			merged[k] = v
		}
		merged["TERM"] = termName
		overrides = merged
	}

	env := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[key]; ok {
			continue
		}
		env = append(env, kv)
	}
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}
