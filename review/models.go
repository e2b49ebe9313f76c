package review

import (
	"errors"
	"fmt"
	"time"
)

type Direction string

const (
	CustomerToMechanic Direction = "customer_to_mechanic"
	MechanicToCustomer Direction = "mechanic_to_customer"
)

func (d Direction) Valid() bool {
	return d == CustomerToMechanic || d == MechanicToCustomer
}

type Review struct {
	ID            string
	JobID         string
	RaterID       string
	RateeID       string
	Direction     Direction
	OverallRating int
	AspectRatings map[string]int
	Comment       string
	CreatedAt     time.Time
}

// Summary aggregates the reviews a user has received.
type Summary struct {
	UserID  string
	Count   int
	Average float64
}

var ErrInvalidRating = errors.New("review: ratings must be between 1 and 5")

// Validate checks the rating ranges.
func (r Review) Validate() error {
	if r.OverallRating < 1 || r.OverallRating > 5 {
		return ErrInvalidRating
	}
	for aspect, v := range r.AspectRatings {
		if v < 1 || v > 5 {
			return fmt.Errorf("%w: aspect %q", ErrInvalidRating, aspect)
		}
	}
	return nil
}
