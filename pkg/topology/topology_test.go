package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/bvandewe/cml-cloud-manager/pkg/errdefs"
	"github.com/bvandewe/cml-cloud-manager/pkg/types"
)

const sampleTopology = `lab:
  title: routing-basics
nodes:
  - id: n0
    label: router-1
    console_port: ${PORT_SERIAL_1}
  - id: n1
    label: desktop-1
    vnc_port: ${PORT_VNC_1}
    notes: "console on ${PORT_SERIAL_1}, vnc on ${PORT_VNC_1}"
`

func TestPlaceholders(t *testing.T) {
	names := Placeholders([]byte(sampleTopology))
	assert.Equal(t, []string{"PORT_SERIAL_1", "PORT_VNC_1"}, names)

	assert.Empty(t, Placeholders([]byte("no: placeholders")))

	// Partial and malformed tokens are ignored.
	assert.Empty(t, Placeholders([]byte("a: ${1BAD}\nb: $NOTBRACED\nc: ${unclosed")))
}

func TestRewrite(t *testing.T) {
	ports := map[string]int{"PORT_SERIAL_1": 2000, "PORT_VNC_1": 2001}
	out, err := Rewrite([]byte(sampleTopology), ports)
	require.NoError(t, err)

	var doc struct {
		Nodes []struct {
			ConsolePort int    `yaml:"console_port"`
			VNCPort     int    `yaml:"vnc_port"`
			Notes       string `yaml:"notes"`
		} `yaml:"nodes"`
	}
	require.NoError(t, yaml.Unmarshal(out, &doc))
	require.Len(t, doc.Nodes, 2)

	// Whole-placeholder scalars become bare integers.
	assert.Equal(t, 2000, doc.Nodes[0].ConsolePort)
	assert.Equal(t, 2001, doc.Nodes[1].VNCPort)
	// Embedded tokens are substituted inline and stay strings.
	assert.Equal(t, "console on 2000, vnc on 2001", doc.Nodes[1].Notes)
}

func TestRewriteMissingPortIsPermanent(t *testing.T) {
	_, err := Rewrite([]byte(sampleTopology), map[string]int{"PORT_SERIAL_1": 2000})
	require.Error(t, err)
	assert.False(t, errdefs.IsRetryable(err))
	assert.Contains(t, err.Error(), "PORT_VNC_1")
}

func TestRewriteExtraPortsIgnored(t *testing.T) {
	ports := map[string]int{"PORT_SERIAL_1": 2000, "PORT_VNC_1": 2001, "PORT_UNUSED": 9000}
	out, err := Rewrite([]byte(sampleTopology), ports)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "9000")
}

func TestRewriteRejectsBadYAML(t *testing.T) {
	_, err := Rewrite([]byte(":\n  - ]["), map[string]int{})
	require.Error(t, err)
	assert.False(t, errdefs.IsRetryable(err))
}

func TestValidate(t *testing.T) {
	template := []types.PortPlaceholder{
		{Name: "PORT_SERIAL_1", Kind: types.PortKindConsole},
		{Name: "PORT_VNC_1", Kind: types.PortKindVNC},
	}

	assert.NoError(t, Validate([]byte(sampleTopology), template))

	// Undeclared placeholder in the document.
	assert.ErrorIs(t,
		Validate([]byte(sampleTopology), template[:1]),
		errdefs.ErrInvalidArgument)

	// Declared placeholder never used.
	extra := append(template, types.PortPlaceholder{Name: "PORT_HTTP_1"})
	assert.ErrorIs(t, Validate([]byte(sampleTopology), extra), errdefs.ErrInvalidArgument)

	assert.ErrorIs(t, Validate([]byte(":\n  - ]["), nil), errdefs.ErrInvalidArgument)
}
