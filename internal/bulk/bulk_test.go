package bulk

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitiseFilename(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"A Normal Title", "A Normal Title"},
		{"Slashes/In\\Title", "Slashes-In-Title"},
		{`Quote"d Title`, "Quote-d Title"},
		{"Wildcards*?", "Wildcards--"},
		{"Colon: Subtitle", "Colon- Subtitle"},
		{"Brackets<>|", "Brackets---"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, sanitiseFilename(c.in))
	}
}
