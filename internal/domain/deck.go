package domain

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Policy holds the per-deck scheduling rules.
// Interval fields are in days.
type Policy struct {
	LearningSteps      []time.Duration `json:"learning_steps" yaml:"learning_steps" koanf:"learning_steps" validate:"min=1,dive,gt=0"`
	RelearnSteps       []time.Duration `json:"relearn_steps" yaml:"relearn_steps" koanf:"relearn_steps" validate:"dive,gt=0"`
	HardStep           time.Duration   `json:"hard_step" yaml:"hard_step" koanf:"hard_step" validate:"gte=0"`
	NewCardsPerDay     int             `json:"new_cards_per_day" yaml:"new_cards_per_day" koanf:"new_cards_per_day" validate:"gte=0"`
	MaxReviewsPerDay   int             `json:"max_reviews_per_day" yaml:"max_reviews_per_day" koanf:"max_reviews_per_day" validate:"gte=0"`
	IntervalModifier   float64         `json:"interval_modifier" yaml:"interval_modifier" koanf:"interval_modifier" validate:"gt=0,lte=10"`
	LapseIntervalRatio float64         `json:"lapse_interval_ratio" yaml:"lapse_interval_ratio" koanf:"lapse_interval_ratio" validate:"gte=0,lte=1"`
	RelearnLapsed      bool            `json:"relearn_lapsed" yaml:"relearn_lapsed" koanf:"relearn_lapsed"`
	GraduatingInterval float64         `json:"graduating_interval" yaml:"graduating_interval" koanf:"graduating_interval" validate:"gt=0"`
	EasyInterval       float64         `json:"easy_interval" yaml:"easy_interval" koanf:"easy_interval" validate:"gtefield=GraduatingInterval"`
	MinLapseInterval   float64         `json:"min_lapse_interval" yaml:"min_lapse_interval" koanf:"min_lapse_interval" validate:"gt=0"`
	MaxInterval        float64         `json:"max_interval" yaml:"max_interval" koanf:"max_interval" validate:"gtefield=EasyInterval,gtefield=MinLapseInterval"`
	InitialEase        float64         `json:"initial_ease" yaml:"initial_ease" koanf:"initial_ease" validate:"gt=1"`
}

// DefaultPolicy returns the policy used for decks that don't define their own.
func DefaultPolicy() Policy {
	return Policy{
		LearningSteps:      []time.Duration{time.Minute, 10 * time.Minute},
		RelearnSteps:       []time.Duration{10 * time.Minute},
		NewCardsPerDay:     20,
		MaxReviewsPerDay:   200,
		IntervalModifier:   1.0,
		LapseIntervalRatio: 0.2,
		GraduatingInterval: 1,
		EasyInterval:       4,
		MinLapseInterval:   1,
		MaxInterval:        36500,
		InitialEase:        2.5,
	}
}

// Validate reports ErrPolicyViolation when a value is out of range.
func (p Policy) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %v", ErrPolicyViolation, err)
	}
	if p.RelearnLapsed && len(p.RelearnSteps) == 0 {
		return fmt.Errorf("%w: relearn_lapsed requires at least one relearn step", ErrPolicyViolation)
	}
	return nil
}

// Clone returns a copy that shares no slices with p.
func (p Policy) Clone() Policy {
	out := p
	out.LearningSteps = append([]time.Duration(nil), p.LearningSteps...)
	out.RelearnSteps = append([]time.Duration(nil), p.RelearnSteps...)
	return out
}

// Deck is a named collection of cards sharing one policy.
type Deck struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Policy      Policy    `json:"policy"`
	CreatedAt   time.Time `json:"created_at"`
}
