// Package workspace maps repo URLs to local checkout paths and
// produces the bounded file listings embedded in decomposition
// prompts.
package workspace
