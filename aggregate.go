package main

import "sort"

// ItemResult is the per-item tally over every finished participant's
// decisions.
type ItemResult struct {
	ItemID    string   `json:"itemId"`
	LikeCount int      `json:"likeCount"`
	PickCount int      `json:"pickCount"`
	SkipCount int      `json:"skipCount"`
	LikedBy   []string `json:"likedBy"`
	PickedBy  []string `json:"pickedBy"`
	Unanimous bool     `json:"isUnanimous"`
	Score     int      `json:"score"`
}

// Results is the aggregate outcome of a finished session.
type Results struct {
	UnanimousMatches []ItemResult `json:"unanimousMatches"`
	RankedResults    []ItemResult `json:"rankedResults"`
}

// aggregate tallies the decision ledger into ranked results and unanimous
// matches. Only participants who finished are counted; someone who swiped a
// few items and walked away contributes no votes. The function is pure and
// deterministic: the same inputs always produce the same ordering, with
// ties broken by like count and then by the item's original position.
func aggregate(itemOrder []string, roster []Participant, decisions []Decision) Results {
	finished := make(map[string]bool, len(roster))
	finishedCount := 0
	for _, p := range roster {
		if p.Done {
			finished[p.ID] = true
			finishedCount++
		}
	}

	// participantID -> itemID -> kind, for roster-ordered likedBy/pickedBy.
	votes := make(map[string]map[string]Kind, finishedCount)
	for _, d := range decisions {
		if !finished[d.ParticipantID] {
			continue
		}
		byItem := votes[d.ParticipantID]
		if byItem == nil {
			byItem = make(map[string]Kind)
			votes[d.ParticipantID] = byItem
		}
		byItem[d.ItemID] = d.Kind
	}

	position := make(map[string]int, len(itemOrder))
	ranked := make([]ItemResult, 0, len(itemOrder))

	for i, itemID := range itemOrder {
		position[itemID] = i
		result := ItemResult{
			ItemID:   itemID,
			LikedBy:  []string{},
			PickedBy: []string{},
		}

		// Roster order keeps likedBy/pickedBy stable across calls.
		for _, p := range roster {
			kind, ok := votes[p.ID][itemID]
			if !ok {
				continue
			}
			switch kind {
			case KindLike:
				result.LikeCount++
				result.LikedBy = append(result.LikedBy, p.ID)
			case KindPick:
				result.PickCount++
				result.PickedBy = append(result.PickedBy, p.ID)
			case KindSkip:
				result.SkipCount++
			}
		}

		result.Unanimous = finishedCount > 0 &&
			result.SkipCount == 0 &&
			result.LikeCount+result.PickCount == finishedCount
		result.Score = result.PickCount*3 + result.LikeCount - result.SkipCount

		ranked = append(ranked, result)
	}

	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.LikeCount != b.LikeCount {
			return a.LikeCount > b.LikeCount
		}
		return position[a.ItemID] < position[b.ItemID]
	})

	unanimous := make([]ItemResult, 0, len(ranked))
	for _, r := range ranked {
		if r.Unanimous {
			unanimous = append(unanimous, r)
		}
	}

	return Results{
		UnanimousMatches: unanimous,
		RankedResults:    ranked,
	}
}
