package rate

import (
	"time"

	"pacebot/internal/model"
)

// Account age tiers.
const (
	NewAccountAge   = 7 * 24 * time.Hour
	YoungAccountAge = 30 * 24 * time.Hour
)

var newTier = map[model.ActionType]Quota{
	model.ActionLike:        {PerHour: 10, PerDay: 50},
	model.ActionFollow:      {PerHour: 5, PerDay: 20},
	model.ActionUnfollow:    {PerHour: 5, PerDay: 20},
	model.ActionComment:     {PerHour: 3, PerDay: 10},
	model.ActionPublishPost: {PerHour: 1, PerDay: 3},
	model.ActionViewStory:   {PerHour: 2, PerDay: 5},
	model.ActionViewReel:    {PerHour: 1, PerDay: 2},
}

var warmedTier = map[model.ActionType]Quota{
	model.ActionLike:        {PerHour: 60, PerDay: 500},
	model.ActionFollow:      {PerHour: 30, PerDay: 200},
	model.ActionUnfollow:    {PerHour: 30, PerDay: 200},
	model.ActionComment:     {PerHour: 20, PerDay: 100},
	model.ActionPublishPost: {PerHour: 5, PerDay: 20},
	model.ActionViewStory:   {PerHour: 10, PerDay: 30},
	model.ActionViewReel:    {PerHour: 3, PerDay: 10},
}

// DefaultQuota returns conservative caps for an action by account age.
// Accounts younger than YoungAccountAge get the new tier scaled by 1.5.
func DefaultQuota(action model.ActionType, age time.Duration) Quota {
	switch {
	case age < NewAccountAge:
		return newTier[action]
	case age < YoungAccountAge:
		q := newTier[action]
		return Quota{PerHour: q.PerHour * 3 / 2, PerDay: q.PerDay * 3 / 2}
	default:
		return warmedTier[action]
	}
}
