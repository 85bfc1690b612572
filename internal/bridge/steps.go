package bridge

import "fmt"

// SynthesizeSteps expands an intent into the ordered step sequence for the
// execution agent. Every plan focuses the window, resolves the target,
// commits whatever payload parts exist, submits, and verifies receipt. The
// verify methods tighten where a misfire would be unrecoverable.
func SynthesizeSteps(intent Intent, route Route) []Step {
	steps := []Step{
		{Kind: StepFocusWindow, Verify: []string{VerifyWindowFingerprint}},
		{Kind: StepResolveTarget, Verify: []string{VerifyUIAHitTest, VerifyPixelFingerprint}},
	}
	if intent.HasMedia {
		steps = append(steps,
			Step{Kind: StepPrepareMedia, Verify: []string{VerifyWindowFingerprint}},
			Step{Kind: StepCommitMedia, Verify: []string{VerifyUIAHitTest}},
		)
	}
	if intent.HasText {
		steps = append(steps,
			Step{Kind: StepPrepareText, Verify: []string{VerifyWindowFingerprint}},
			Step{Kind: StepCommitText, Verify: []string{VerifyUIAHitTest}},
		)
	}
	steps = append(steps,
		Step{Kind: StepSubmitSend, Verify: []string{VerifyUIAHitTest, VerifyPixelFingerprint}},
		Step{Kind: StepVerifyReceipt, Verify: []string{VerifyWindowFingerprint}},
	)
	for i := range steps {
		steps[i].ID = fmt.Sprintf("step_%d_%s", i+1, steps[i].Kind)
		steps[i].Via = route
	}
	return steps
}
