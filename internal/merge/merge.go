// Package merge reconciles a guest cart's lines into a user cart.
package merge

import (
	"time"

	"cartengine/internal/domain"
)

// Report describes what a merge did to the user cart.
type Report struct {
	Added    int `json:"added"`
	Combined int `json:"combined"`
	// Dropped counts units discarded because a line hit its maxQuantity.
	Dropped int `json:"dropped"`
	Saved   int `json:"saved"`
}

func (r Report) Changed() bool {
	return r.Added > 0 || r.Combined > 0 || r.Saved > 0
}

// GuestIntoUser folds guest lines into user. Matching lines add quantities,
// clamped to maxQuantity; new lines are appended in guest order. Saved
// entries absent from the user's list are carried over. Coupons are never
// transferred. The caller recomputes the user summary and deletes the guest.
func GuestIntoUser(guest, user *domain.Cart, now time.Time) Report {
	var rep Report
	if guest == nil || user == nil {
		return rep
	}

	for _, g := range guest.Items {
		if idx := user.FindItem(g.Key()); idx >= 0 {
			line := user.Items[idx]
			want := line.Quantity + g.Quantity
			got := line.ClampQuantity(want)
			if got < line.Quantity {
				got = line.Quantity
			}
			rep.Dropped += want - got
			if got != line.Quantity {
				line.Quantity = got
				user.Items[idx] = line
				rep.Combined++
			}
			continue
		}
		line := g
		want := line.Quantity
		line.Quantity = line.ClampQuantity(want)
		rep.Dropped += want - line.Quantity
		if line.Quantity < 1 {
			continue
		}
		line.AddedAt = now
		user.Items = append(user.Items, line)
		rep.Added++
	}

	for _, s := range guest.SavedForLater {
		if user.FindSaved(s.Key()) >= 0 || user.FindItem(s.Key()) >= 0 {
			continue
		}
		user.SavedForLater = append(user.SavedForLater, s)
		rep.Saved++
	}
	return rep
}
