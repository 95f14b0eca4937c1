package extraction

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQuestionList(t *testing.T) {
	cases := []struct {
		in   string
		want []int
	}{
		{"1-5", []int{1, 2, 3, 4, 5}},
		{"3", []int{3}},
		{" 7, 2 ,2", []int{2, 7}},
		{"1-3,2-4,10", []int{1, 2, 3, 4, 10}},
		{"4-4", []int{4}},
		{"1,,2", []int{1, 2}},
	}
	for _, tc := range cases {
		got, err := ParseQuestionList(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	for _, bad := range []string{"", " , ", "0", "-1", "a", "5-2", "1-x", "1-1000"} {
		_, err := ParseQuestionList(bad)
		assert.Error(t, err, bad)
	}
}

func TestNeedsReviewCount(t *testing.T) {
	r := &SubmissionResult{Questions: []QuestionResult{
		{Consensus: &ConsensusResult{NeedsReview: true}},
		{Consensus: &ConsensusResult{}},
		{Status: StatusUnextracted},
	}}
	assert.Equal(t, 1, r.NeedsReviewCount())
}
