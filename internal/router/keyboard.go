package router

import "fmt"

// keyboard builds the callback buttons attached to a delivered tweet. The
// callback data round-trips through Telegram as bot command lines.
//
// Retweets get the full editorial row: block the retweeted author, follow or
// unfollow the retweeter, block retweets from the author, unfollow the
// author. Direct tweets get a single unfollow button.
func (r *Router) keyboard(uid int64, ev Event) []Button {
	if ev.RetweetAuthorID == 0 {
		return []Button{{
			Label: "Unfollow",
			Data:  fmt.Sprintf("/UnfollowTwitterID %d", ev.AuthorID),
		}}
	}

	followCount, blockCount := r.index.Counters(uid, ev.AuthorID)

	buttons := []Button{{
		Label: "🚫RTer",
		Data:  fmt.Sprintf("/BlockTwitterID 2 %d %d", ev.RetweetAuthorID, ev.AuthorID),
	}}
	if !r.index.Follows(uid, ev.RetweetAuthorID) {
		buttons = append(buttons, Button{
			Label: fmt.Sprintf("👀RTer(%d)", followCount),
			Data:  fmt.Sprintf("/FollowTwitterID %d %d", ev.RetweetAuthorID, ev.AuthorID),
		})
	} else {
		buttons = append(buttons, Button{
			Label: "❌RT",
			Data:  fmt.Sprintf("/UnfollowTwitterID %d", ev.RetweetAuthorID),
		})
	}
	buttons = append(buttons,
		Button{
			Label: fmt.Sprintf("🚫RT(%d)", blockCount),
			Data:  fmt.Sprintf("/BlockTwitterID 1 %d 0", ev.AuthorID),
		},
		Button{
			Label: "❌",
			Data:  fmt.Sprintf("/UnfollowTwitterID %d", ev.AuthorID),
		},
	)
	return buttons
}
