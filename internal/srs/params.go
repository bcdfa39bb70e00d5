// Package srs implements the spaced-repetition scheduling algorithm: an
// SM-2 style state machine over New, Learning, Review and Lapsed cards.
//
// Everything here is a pure function of the card, the deck policy, the grade
// and the supplied time. Nothing reads the clock or global random state.
package srs

import (
	"fmt"

	"github.com/conorfennell/knolsched/internal/domain"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Params holds the algorithm constants shared by every deck.
type Params struct {
	EaseFloor            float64 `koanf:"ease_floor" validate:"gte=1"`
	EaseCeiling          float64 `koanf:"ease_ceiling" validate:"omitempty,gtefield=EaseFloor"` // 0: uncapped
	EasyBonus            float64 `koanf:"easy_bonus" validate:"gte=0"`
	HardPenalty          float64 `koanf:"hard_penalty" validate:"gte=0"`
	LapsePenalty         float64 `koanf:"lapse_penalty" validate:"gte=0"`
	HardMultiplier       float64 `koanf:"hard_multiplier" validate:"gt=0,lt=1"`
	EasyMultiplier       float64 `koanf:"easy_multiplier" validate:"gt=1"`
	LapsedEasyMultiplier float64 `koanf:"lapsed_easy_multiplier" validate:"gte=1"`
	FuzzFactor           float64 `koanf:"fuzz_factor" validate:"gte=0,lt=0.5"`
	FuzzMinDays          float64 `koanf:"fuzz_min_days" validate:"gte=0"`
	OverdueBonusRate     float64 `koanf:"overdue_bonus_rate" validate:"gte=0"`
	OverdueBonusCap      float64 `koanf:"overdue_bonus_cap" validate:"gte=0,lte=1"`
	Seed                 uint64  `koanf:"seed"`
	DisableFuzz          bool    `koanf:"disable_fuzz"`
}

// DefaultParams provides the constants used unless configuration overrides them.
func DefaultParams() *Params {
	return &Params{
		EaseFloor:            1.3,
		EasyBonus:            0.15,
		HardPenalty:          0.15,
		LapsePenalty:         0.20,
		HardMultiplier:       0.8,
		EasyMultiplier:       1.3,
		LapsedEasyMultiplier: 1.15,
		FuzzFactor:           0.05,
		FuzzMinDays:          2.5,
		OverdueBonusRate:     0.1,
		OverdueBonusCap:      0.5,
	}
}

// Validate checks every constant against its allowed range.
func (p *Params) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: scheduler params: %v", domain.ErrPolicyViolation, err)
	}
	return nil
}

func (p *Params) clampEase(ease float64) float64 {
	if p.EaseCeiling > 0 {
		ease = min(ease, p.EaseCeiling)
	}
	return max(ease, p.EaseFloor)
}
