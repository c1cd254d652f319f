// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package broker

import "testing"

func TestNextBackoffGrowsAndCaps(t *testing.T) {
	const jitterSlack = 1 + backoffJitter

	prevMax := float64(backoffBase) * jitterSlack
	for attempt := 0; attempt < 20; attempt++ {
		d := nextBackoff(attempt)
		if d <= 0 {
			t.Fatalf("nextBackoff(%d) = %v, want positive", attempt, d)
		}
		capMax := float64(backoffCap) * jitterSlack
		if float64(d) > capMax {
			t.Fatalf("nextBackoff(%d) = %v, exceeds cap*jitter %v", attempt, d, capMax)
		}
		if attempt >= 10 && float64(d) > prevMax*4 {
			t.Fatalf("nextBackoff(%d) = %v, grew past expected cap bound", attempt, d)
		}
		prevMax *= 2
		if prevMax > capMax {
			prevMax = capMax
		}
	}
}

func TestNextBackoffWithinJitterBand(t *testing.T) {
	for attempt := 0; attempt < 5; attempt++ {
		base := float64(backoffBase)
		for i := 0; i < attempt; i++ {
			base *= 2
			if base > float64(backoffCap) {
				base = float64(backoffCap)
				break
			}
		}
		lo := base * (1 - backoffJitter)
		hi := base * (1 + backoffJitter)
		for i := 0; i < 10; i++ {
			d := float64(nextBackoff(attempt))
			if d < lo-1 || d > hi+1 {
				t.Fatalf("nextBackoff(%d) = %v, want within [%v, %v]", attempt, d, lo, hi)
			}
		}
	}
}
