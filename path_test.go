package nexusvault

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"", "."},
		{"/", "."},
		{`\`, "."},
		{"Art/Creature", "Art/Creature"},
		{"/Art//Creature/", "Art/Creature"},
		{`Art\Creature\model.m3`, "Art/Creature/model.m3"},
		{"a/../b", "a/../b"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizePath(tt.in), tt.in)
	}
}

func TestCompanionPaths(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in             string
		index, archive string
	}{
		{"Patch/ClientData", "Patch/ClientData.index", "Patch/ClientData.archive"},
		{"Patch/ClientData.index", "Patch/ClientData.index", "Patch/ClientData.archive"},
		{"Patch/ClientData.ARCHIVE", "Patch/ClientData.index", "Patch/ClientData.archive"},
		{"Patch/Client.v2", "Patch/Client.v2.index", "Patch/Client.v2.archive"},
	}
	for _, tt := range tests {
		idx, arc := CompanionPaths(tt.in)
		assert.Equal(t, tt.index, idx, tt.in)
		assert.Equal(t, tt.archive, arc, tt.in)
	}
}
