package reload

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfigurationSetClone_Independent(t *testing.T) {
	set := NewConfigurationSet()
	set.Databases["userdb"] = DatabaseConfig{Name: "userdb", URL: "postgres://u", Driver: "postgres"}

	clone := set.Clone()
	clone.Databases["userdb"] = DatabaseConfig{Name: "userdb", URL: "mutated", Driver: "postgres"}

	assert.Equal(t, "postgres://u", set.Databases["userdb"].URL, "mutating the clone must not affect the original")
}

func TestKindDeltaTotalChanges(t *testing.T) {
	d := newKindDelta[DatabaseConfig]()
	assert.Equal(t, 0, d.TotalChanges())

	d.Added["a"] = DatabaseConfig{Name: "a"}
	d.Modified["b"] = DatabaseConfig{Name: "b"}
	d.Removed["c"] = struct{}{}
	assert.Equal(t, 3, d.TotalChanges())
}

func TestConfigurationDeltaIsEmpty(t *testing.T) {
	delta := NewConfigurationDelta()
	assert.True(t, delta.IsEmpty())

	delta.Endpoints.Added["e1"] = EndpointConfig{Name: "e1"}
	assert.False(t, delta.IsEmpty())
	assert.Equal(t, 1, delta.TotalChanges())
}
