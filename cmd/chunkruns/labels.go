// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"path/filepath"
	"slices"
	"strings"
)

// runLabels returns a short label for each run: its name, or if names collide, the minimal
// part of the run directories that tells them apart.
func runLabels(runs []*runInfo) []string {
	labels := make([]string, len(runs))
	seen := make(map[string]int, len(runs))
	for ii, run := range runs {
		labels[ii] = run.meta.Name
		if labels[ii] == "" {
			labels[ii] = filepath.Base(run.dir)
		}
		seen[labels[ii]]++
	}
	for _, count := range seen {
		if count > 1 {
			dirs := make([]string, len(runs))
			for ii, run := range runs {
				dirs[ii] = run.dir
			}
			return MinimalUniquePaths(dirs...)
		}
	}
	return labels
}

// MinimalUniquePaths returns for each path the components that distinguish it from the other paths:
// the single differing component, "first...last" if it differs in several, or the base name if in none.
func MinimalUniquePaths(paths ...string) []string {
	if len(paths) <= 1 {
		return paths
	}
	splitPaths := make([][]string, len(paths))
	for ii, p := range paths {
		splitPaths[ii] = strings.Split(filepath.Clean(p), string(filepath.Separator))
	}

	result := make([]string, len(paths))
	for ii, parts := range splitPaths {
		var diffIdx []int
		for jj, other := range splitPaths {
			if ii == jj {
				continue
			}
			for k := range min(len(parts), len(other)) {
				if parts[k] != other[k] && !slices.Contains(diffIdx, k) {
					diffIdx = append(diffIdx, k)
				}
			}
		}
		slices.Sort(diffIdx)
		switch len(diffIdx) {
		case 0:
			result[ii] = parts[len(parts)-1]
		case 1:
			result[ii] = parts[diffIdx[0]]
		default:
			result[ii] = parts[diffIdx[0]] + "..." + parts[diffIdx[len(diffIdx)-1]]
		}
	}
	return result
}
