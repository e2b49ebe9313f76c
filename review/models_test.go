package review

import (
	"errors"
	"testing"
)

func TestReviewValidate(t *testing.T) {
	ok := Review{OverallRating: 5, AspectRatings: map[string]int{"punctuality": 4}}
	if err := ok.Validate(); err != nil {
		t.Fatalf("expected valid review, got %v", err)
	}

	for _, bad := range []Review{
		{OverallRating: 0},
		{OverallRating: 6},
		{OverallRating: 3, AspectRatings: map[string]int{"quality": 9}},
	} {
		if err := bad.Validate(); !errors.Is(err, ErrInvalidRating) {
			t.Errorf("Validate(%+v) = %v, want ErrInvalidRating", bad, err)
		}
	}
}
