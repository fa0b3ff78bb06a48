package stage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultDefinitions(t *testing.T) {
	d := DefaultDefinitions()

	deps, ok := d.Lookup("gazette.fetch")
	require.True(t, ok)
	assert.Empty(t, deps)

	deps, ok = d.Lookup("gazette.review")
	require.True(t, ok)
	assert.Equal(t, []string{"gazette.fetch"}, deps)

	deps, ok = d.Lookup("extraction.review")
	require.True(t, ok)
	assert.Equal(t, []string{"extraction.compose"}, deps)

	deps, ok = d.Lookup("extraction.sentinel")
	require.True(t, ok)
	assert.Equal(t, []string{"gazette.publish"}, deps)

	_, ok = d.Lookup("review")
	assert.False(t, ok)

	assert.Len(t, d.Stages(), 8)
	assert.Len(t, d.Pipelines(), 2)
}

func TestNewDefinitions_Validation(t *testing.T) {
	tests := []struct {
		name string
		defs []Definition
		want string
	}{
		{
			name: "forward dependency",
			defs: []Definition{{Name: "p", Steps: []Step{{Name: "a", DependsOn: []string{"b"}}, {Name: "b"}}}},
			want: "undeclared stage p.b",
		},
		{
			name: "duplicate stage",
			defs: []Definition{{Name: "p", Steps: []Step{{Name: "a"}, {Name: "a"}}}},
			want: "duplicate stage p.a",
		},
		{
			name: "dotted stage name",
			defs: []Definition{{Name: "p", Steps: []Step{{Name: "a.b"}}}},
			want: "invalid stage name",
		},
		{
			name: "empty pipeline name",
			defs: []Definition{{Steps: []Step{{Name: "a"}}}},
			want: "invalid pipeline name",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDefinitions(tt.defs...)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}
