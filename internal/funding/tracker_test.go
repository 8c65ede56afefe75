package funding

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"hyperwatch/types"
)

func TestClassify(t *testing.T) {
	const threshold = 0.0001

	tests := []struct {
		name   string
		rate8h float64
		dir    types.Direction
		want   types.FundingClass
	}{
		{"positive rate favors shorts", 0.0005, types.Short, types.FundingFavorable},
		{"positive rate taxes longs", 0.0005, types.Long, types.FundingUnfavorable},
		{"negative rate favors longs", -0.0005, types.Long, types.FundingFavorable},
		{"negative rate taxes shorts", -0.0005, types.Short, types.FundingUnfavorable},
		{"inside threshold is neutral for longs", 0.00005, types.Long, types.FundingNeutral},
		{"inside threshold is neutral for shorts", -0.00005, types.Short, types.FundingNeutral},
		{"exactly at threshold is neutral", threshold, types.Long, types.FundingNeutral},
		{"zero is neutral", 0, types.Long, types.FundingNeutral},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.rate8h, tt.dir, threshold))
		})
	}
}
