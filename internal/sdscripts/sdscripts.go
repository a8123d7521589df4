// Package sdscripts locates, and if necessary fetches, the kohya-ss
// sd-scripts checkout a training run executes from. accelerate may spawn
// children that lose PYTHONPATH, so the working directory itself must be
// the directory containing the `library` package; Resolve picks it and
// rewrites relative script arguments to absolute paths.
package sdscripts

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	git "github.com/go-git/go-git/v5"
	"github.com/schollz/progressbar/v3"
)

// RepoURL is the upstream sd-scripts repository cloned by Fetch.
const RepoURL = "https://github.com/kohya-ss/sd-scripts"

// searchDirs returns the conventional sd-scripts locations relative to cwd,
// in probe order.
func searchDirs(cwd string) []string {
	return []string{
		cwd,
		filepath.Join(cwd, "sd-scripts"),
		filepath.Join(cwd, "kohya_ss", "sd-scripts"),
		filepath.Join(cwd, "kohya_train", "kohya_ss", "sd-scripts"),
		filepath.Join(cwd, "custom_nodes", "sd-scripts"),
		filepath.Join(cwd, "..", "sd-scripts"),
	}
}

// Resolution is the outcome of locating the training script: the working
// directory the run must execute from and the argv with the script argument
// made absolute.
type Resolution struct {
	WorkDir string
	Command []string
}

// Resolve finds the directory the training command must run from. If the
// command's .py argument is already an existing absolute or relative path,
// its directory wins. Otherwise the conventional locations are probed for
// the script by name, then for a `library` package as a last resort.
func Resolve(cwd string, command []string) (Resolution, error) {
	out := make([]string, len(command))
	copy(out, command)

	scriptIdx := -1
	for i, arg := range out {
		if strings.HasSuffix(arg, ".py") {
			scriptIdx = i
			break
		}
	}
	if scriptIdx < 0 {
		return Resolution{WorkDir: cwd, Command: out}, nil
	}

	script := out[scriptIdx]
	if _, err := os.Stat(script); err == nil {
		abs, err := filepath.Abs(script)
		if err != nil {
			return Resolution{}, err
		}
		out[scriptIdx] = abs
		return Resolution{WorkDir: filepath.Dir(abs), Command: out}, nil
	}

	name := filepath.Base(script)
	for _, dir := range searchDirs(cwd) {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			abs, err := filepath.Abs(candidate)
			if err != nil {
				return Resolution{}, err
			}
			out[scriptIdx] = abs
			return Resolution{WorkDir: filepath.Dir(abs), Command: out}, nil
		}
	}
	// The script may not exist yet (fresh checkout without that entry
	// point); a directory holding the `library` package is still usable.
	for _, dir := range searchDirs(cwd) {
		if st, err := os.Stat(filepath.Join(dir, "library")); err == nil && st.IsDir() {
			abs, err := filepath.Abs(dir)
			if err != nil {
				return Resolution{}, err
			}
			out[scriptIdx] = filepath.Join(abs, name)
			return Resolution{WorkDir: abs, Command: out}, nil
		}
	}
	return Resolution{}, fmt.Errorf(
		"training script %s not found; download sd-scripts from %s into %s or set the path explicitly",
		name, RepoURL, filepath.Join(cwd, "sd-scripts"))
}

// Fetch clones sd-scripts into dir if it is not already a checkout. It is
// idempotent: an existing repository is left untouched.
func Fetch(dir string, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	if _, err := git.PlainOpen(dir); err == nil {
		log.Info("sd-scripts already present", "dir", dir)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o750); err != nil {
		return err
	}
	log.Info("cloning sd-scripts", "url", RepoURL, "dir", dir)
	bar := progressbar.DefaultBytes(-1, "cloning sd-scripts")
	_, err := git.PlainClone(dir, false, &git.CloneOptions{
		URL:      RepoURL,
		Depth:    1,
		Progress: bar,
	})
	if err != nil {
		return fmt.Errorf("clone sd-scripts: %w", err)
	}
	_ = bar.Finish()
	return nil
}
