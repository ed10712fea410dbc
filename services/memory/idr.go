// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package memory

import (
	"math"
	"time"
)

// IDR (Importance-Decay-Relevance) weights. Equal by default: the
// normalized score is the plain mean of the three terms.
const (
	idrWeightRelevance  = 1.0
	idrWeightImportance = 1.0
	idrWeightDecay      = 1.0

	// decayBase applied per hour of age. 0.995^168 ~ 0.43, so a
	// week-old memory keeps under half its freshness term.
	decayBase = 0.995
)

// IDRScore combines cosine similarity, stored importance (0-10) and
// exponential age decay into a single ranking score in [0, 1].
//
// Similarity is clamped to [0, 1] and importance to [0, 10] so a
// corrupt stored value cannot dominate the ranking. Age below zero
// (clock skew) counts as zero.
func IDRScore(similarity float64, importance float64, age time.Duration) float64 {
	if similarity < 0 {
		similarity = 0
	} else if similarity > 1 {
		similarity = 1
	}
	if importance < 0 {
		importance = 0
	} else if importance > 10 {
		importance = 10
	}
	hours := age.Hours()
	if hours < 0 {
		hours = 0
	}
	decay := math.Pow(decayBase, hours)

	weighted := idrWeightRelevance*similarity +
		idrWeightImportance*(importance/10) +
		idrWeightDecay*decay
	return weighted / (idrWeightRelevance + idrWeightImportance + idrWeightDecay)
}
