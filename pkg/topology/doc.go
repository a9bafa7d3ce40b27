// Package topology parses, validates and rewrites lab topology documents.
// Rewriting works on the YAML node tree rather than text substitution so
// the served document keeps the author's comments and ordering while only
// ${NAME} port placeholders change.
package topology
