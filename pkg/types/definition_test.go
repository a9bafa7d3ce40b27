package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bvandewe/cml-cloud-manager/pkg/errdefs"
)

func TestNewLabletDefinitionValidation(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		version string
		ports   []PortPlaceholder
		wantErr bool
	}{
		{"valid", "d1", "1.0.0", []PortPlaceholder{{Name: "P1"}}, false},
		{"valid prerelease", "d1", "2.1.0-rc.1", nil, false},
		{"not semver", "d1", "one.two", nil, true},
		{"empty id", "", "1.0.0", nil, true},
		{"duplicate placeholder", "d1", "1.0.0", []PortPlaceholder{{Name: "P1"}, {Name: "P1"}}, true},
		{"empty placeholder name", "d1", "1.0.0", []PortPlaceholder{{Name: ""}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLabletDefinition(tt.id, "lab", tt.version, "uri", Capacity{CPU: 1}, nil, tt.ports, "")
			if tt.wantErr {
				assert.ErrorIs(t, err, errdefs.ErrInvalidArgument)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDefinitionPublishRequiresSyncedArtifact(t *testing.T) {
	def, err := NewLabletDefinition("d1", "lab", "1.0.0", "uri", Capacity{CPU: 1}, nil, nil, "")
	require.NoError(t, err)

	assert.ErrorIs(t, def.Publish(), errdefs.ErrInvalidArgument)

	require.NoError(t, def.MarkArtifactSynced("deadbeef"))
	require.NoError(t, def.Publish())
	assert.Equal(t, DefinitionPublished, def.Status)

	// Publish is one-way.
	assert.ErrorIs(t, def.Publish(), errdefs.ErrInvalidTransition)

	require.NoError(t, def.Deprecate())
	assert.ErrorIs(t, def.Deprecate(), errdefs.ErrInvalidTransition)
	assert.ErrorIs(t, def.MarkArtifactSynced("x"), errdefs.ErrInvalidTransition)
}

func TestDefinitionLicenseAffinity(t *testing.T) {
	def, err := NewLabletDefinition("d1", "lab", "1.0.0", "uri", Capacity{CPU: 1},
		[]LicenseType{LicenseEnterprise, LicenseEvaluation}, nil, "")
	require.NoError(t, err)

	assert.True(t, def.AcceptsLicense(LicenseEnterprise))
	assert.True(t, def.AcceptsLicense(LicenseEvaluation))
	assert.False(t, def.AcceptsLicense(LicensePersonal))
}
