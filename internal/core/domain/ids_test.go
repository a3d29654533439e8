package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseMediaKind(t *testing.T) {
	tests := []struct {
		input string
		want  MediaKind
		valid bool
	}{
		{"audio", MediaKindAudio, true},
		{"video", MediaKindVideo, true},
		{"VIDEO", "", false},
		{"Audio", "", false},
		{" audio", "", false},
		{"video ", "", false},
		{"screen", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			kind, err := ParseMediaKind(tt.input)
			if !tt.valid {
				assert.ErrorIs(t, err, ErrInvalidMediaKind)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, kind)
		})
	}
}
