package stores

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/devloop/devloop/pkg/engine"
)

// TestSequenceOrderingProperty verifies that any interleaving of appends,
// including re-appends of already stored events, leaves every correlation ID
// with a gap-free, duplicate-free sequence.
func TestSequenceOrderingProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("sequences are gap-free per correlation id", prop.ForAll(
		func(targets []int, replays []bool) bool {
			store := setupTestStore(t)
			ctx := context.Background()

			var appended []engine.Event
			expected := map[string]int{}
			for i, target := range targets {
				corr := fmt.Sprintf("corr-%d", target)
				ev, err := engine.NewEvent(corr, engine.EventAnalysisStarted, engine.ActorSystem, nil)
				if err != nil {
					return false
				}
				if _, err := store.Append(ctx, ev); err != nil {
					return false
				}
				appended = append(appended, ev)
				expected[corr]++

				// Occasionally retry an earlier append, as an at-least-once caller would
				if i < len(replays) && replays[i] && len(appended) > 1 {
					prev := appended[len(appended)/2]
					if _, err := store.Append(ctx, prev); err != nil {
						return false
					}
				}
			}

			for corr, n := range expected {
				events, err := store.Events(ctx, corr, -1)
				if err != nil || len(events) != n {
					return false
				}
				for i, ev := range events {
					if ev.Sequence != int64(i) {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOfN(20, gen.IntRange(0, 3)),
		gen.SliceOfN(20, gen.Bool()),
	))

	properties.TestingRun(t)
}
