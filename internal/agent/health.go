package agent

import (
	"time"

	"onemeter/internal/model"
)

// staleAfter is how many scan intervals may pass without a successful
// refresh before the data is reported as stale.
const staleAfter = 3

// checkFreshness reports how old the served data is and whether it is stale
// at now. State that never succeeded is not stale; it has no data.
func checkFreshness(st model.RefreshState, now time.Time, interval time.Duration) (age time.Duration, stale bool) {
	if st.LastSuccess.IsZero() {
		return 0, false
	}
	age = now.Sub(st.LastSuccess)
	return age, st.LastError != nil && age > staleAfter*interval
}
