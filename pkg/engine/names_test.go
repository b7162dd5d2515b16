package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateName(t *testing.T) {
	seen := make(map[string]struct{})
	for range 100 {
		name := GenerateName("pool1-")
		assert.Len(t, name, len("pool1-")+15)
		assert.Regexp(t, `^pool1-[a-z][a-z0-9]{14}$`, name)
		seen[name] = struct{}{}
	}
	assert.Len(t, seen, 100)
}
