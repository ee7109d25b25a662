// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trajectories

import (
	"path/filepath"
	"regexp"
	"strings"
)

var (
	quotesRemover = strings.NewReplacer(`"`, "", "'", "")

	goalPreambles = []string{
		"amazon shopping game\ninstruction:",
		"webshop\ninstruction:",
	}

	// searchButton is the trailing marker of the first state of a trajectory.
	searchButton = "\n[button] search [button_]"

	// priceClause starts the price constraint of a goal, which is not modeled.
	priceClause = ", and price lower than"

	// reClickProduct matches a click on a product: product ids (ASIN) have 10 lower-case alphanumeric characters.
	reClickProduct = regexp.MustCompile(`^click\[([a-z0-9]{10})\]`)
)

// Process normalizes a state or an action text: lower-case, without quotes and surrounding spaces.
// The "[SEP]" separator token is kept in upper-case.
func Process(s string) string {
	s = strings.TrimSpace(quotesRemover.Replace(strings.ToLower(s)))
	return strings.ReplaceAll(s, "[sep]", "[SEP]")
}

// ProcessGoal normalizes the first state of a trajectory into its goal, as listed in the human goals file:
// the game preamble, the search button and the price constraint are removed.
func ProcessGoal(state string) string {
	state = quotesRemover.Replace(strings.ToLower(state))
	for _, preamble := range goalPreambles {
		state = strings.ReplaceAll(state, preamble, "")
	}
	state = strings.TrimSpace(strings.ReplaceAll(state, searchButton, ""))
	if before, _, found := strings.Cut(state, priceClause); found {
		state = before
	}
	return state
}

// FindImageASIN returns the id of the last product clicked before step stepIdx, or NoImage if there is none.
// Clicks on ids made only of letters are not products (product ids always contain digits).
func FindImageASIN(actions []string, stepIdx int) string {
	for ii := min(stepIdx, len(actions)) - 1; ii >= 0; ii-- {
		match := reClickProduct.FindStringSubmatch(actions[ii])
		if match == nil {
			continue
		}
		if isAlpha(match[1]) {
			continue
		}
		return match[1]
	}
	return NoImage
}

func isAlpha(s string) bool {
	for _, r := range s {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return true
}

func joinIfRelative(baseDir, p string) string {
	if baseDir == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}
