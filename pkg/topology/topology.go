package topology

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/bvandewe/cml-cloud-manager/pkg/errdefs"
	"github.com/bvandewe/cml-cloud-manager/pkg/types"
)

// placeholderPattern matches exactly ${NAME} tokens. Escaped or partial
// forms pass through untouched.
var placeholderPattern = regexp.MustCompile(`\$\{([A-Za-z][A-Za-z0-9_]*)\}`)

// Placeholders lists the distinct placeholder names in document order.
func Placeholders(doc []byte) []string {
	seen := make(map[string]bool)
	var names []string
	for _, m := range placeholderPattern.FindAllSubmatch(doc, -1) {
		name := string(m[1])
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}

// Rewrite substitutes allocated ports for placeholders in a topology
// document. The document is walked as a YAML node tree so comments, key
// order and formatting survive; only scalar values containing ${NAME}
// tokens change. A placeholder with no allocated port is an error, an
// allocated port with no matching placeholder is ignored.
func Rewrite(doc []byte, ports map[string]int) ([]byte, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(doc, &root); err != nil {
		return nil, errdefs.Permanent(fmt.Errorf("topology is not valid YAML: %w", err))
	}

	var missing []string
	rewriteNode(&root, ports, &missing)
	if len(missing) > 0 {
		return nil, errdefs.Permanent(fmt.Errorf("no port allocated for placeholders %v", missing))
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&root); err != nil {
		return nil, fmt.Errorf("failed to encode rewritten topology: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode rewritten topology: %w", err)
	}
	return buf.Bytes(), nil
}

func rewriteNode(n *yaml.Node, ports map[string]int, missing *[]string) {
	if n.Kind == yaml.ScalarNode {
		rewriteScalar(n, ports, missing)
		return
	}
	for _, child := range n.Content {
		rewriteNode(child, ports, missing)
	}
}

func rewriteScalar(n *yaml.Node, ports map[string]int, missing *[]string) {
	if !placeholderPattern.MatchString(n.Value) {
		return
	}
	replaced := placeholderPattern.ReplaceAllStringFunc(n.Value, func(tok string) string {
		name := placeholderPattern.FindStringSubmatch(tok)[1]
		port, ok := ports[name]
		if !ok {
			*missing = append(*missing, name)
			return tok
		}
		return strconv.Itoa(port)
	})
	if replaced == n.Value {
		return
	}
	// A scalar that is exactly one placeholder becomes a bare integer;
	// anything else stays a string with the token substituted inline.
	if _, err := strconv.Atoi(replaced); err == nil && placeholderPattern.FindString(n.Value) == n.Value {
		n.Value = replaced
		n.Tag = "!!int"
		n.Style = 0
		return
	}
	n.SetString(replaced)
}

// Validate parses the document and checks that its placeholders match the
// definition's declared port template exactly.
func Validate(doc []byte, template []types.PortPlaceholder) error {
	var root yaml.Node
	if err := yaml.Unmarshal(doc, &root); err != nil {
		return errdefs.InvalidArgument("topology is not valid YAML: %v", err)
	}

	declared := make(map[string]bool, len(template))
	for _, p := range template {
		declared[p.Name] = true
	}
	found := make(map[string]bool)
	for _, name := range Placeholders(doc) {
		if !declared[name] {
			return errdefs.InvalidArgument("topology references undeclared placeholder %q", name)
		}
		found[name] = true
	}
	for _, p := range template {
		if !found[p.Name] {
			return errdefs.InvalidArgument("declared placeholder %q never appears in topology", p.Name)
		}
	}
	return nil
}
