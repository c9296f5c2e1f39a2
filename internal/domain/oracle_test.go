package domain

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfidencePercentTruncates(t *testing.T) {
	tests := []struct {
		confidence float64
		want       int
	}{
		{0.999, 99},
		{0.9, 90},
		{0.899, 89},
		{0.896, 89},
		{0.7, 70},
		{0.699, 69},
		{0.695, 69},
		{0.5, 50},
		{0.499, 49},
		{0.29, 29},
		{0.93, 93},
		{1.2, 100},
		{-0.1, 0},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.confidence), func(t *testing.T) {
			assert.Equal(t, tt.want, OracleAssessment{Confidence: tt.confidence}.ConfidencePercent())
		})
	}
}
