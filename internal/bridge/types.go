// Package bridge is the desktop perception-action planner. Given an outbound
// intent and a screen observation it picks the cheapest viable perception
// route, selects a Set-of-Mark candidate, synthesizes the step sequence for
// the execution agent, and folds outcomes back into action memory, replay
// skills and automation metrics.
package bridge

// Route is the perception level a plan runs at, cheapest first.
type Route string

const (
	RouteMemory Route = "L0_ACTION_MEMORY"
	RouteUIA    Route = "L1_UIA"
	RouteOCR    Route = "L2_OCR"
	RouteSomVLM Route = "L3_SOM_VLM"
)

// Rect is a pixel rectangle on the capture.
type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Point is a pixel coordinate.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Coarse is a cell in the 10x10 overview grid.
type Coarse struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

// Candidate is one Set-of-Mark click target.
type Candidate struct {
	ID         int     `json:"id"`
	Label      string  `json:"label,omitempty"`
	Coarse     Coarse  `json:"coarse"`
	ROI        Rect    `json:"roi"`
	Center     Point   `json:"center"`
	Confidence float64 `json:"confidence,omitempty"`
}

// OCRBox is one recognized text region.
type OCRBox struct {
	X          int     `json:"x"`
	Y          int     `json:"y"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Display is the capture dimensions.
type Display struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Intent describes one desktop outbound send.
type Intent struct {
	Channel     string `json:"channel"`
	AppName     string `json:"app_name"`
	Destination string `json:"destination"`
	PayloadHash string `json:"payload_hash"`
	HasText     bool   `json:"has_text"`
	HasMedia    bool   `json:"has_media"`
	Risk        string `json:"risk"` // LOW | MEDIUM | HIGH
}

// ScreenState is one observation of the target application.
type ScreenState struct {
	WindowFingerprint string      `json:"window_fingerprint,omitempty"`
	Display           Display     `json:"display"`
	UIAAvailable      bool        `json:"uia_available"`
	OCRAvailable      bool        `json:"ocr_available"`
	SomCandidates     []Candidate `json:"som_candidates,omitempty"`
	OCRBoxes          []OCRBox    `json:"ocr_boxes,omitempty"`
}

// Step kinds, in the order they can appear in a plan.
const (
	StepFocusWindow   = "focus_window"
	StepResolveTarget = "resolve_target"
	StepPrepareMedia  = "prepare_media"
	StepCommitMedia   = "commit_media"
	StepPrepareText   = "prepare_text"
	StepCommitText    = "commit_text"
	StepSubmitSend    = "submit_send"
	StepVerifyReceipt = "verify_receipt"
)

// Verify methods a step may demand.
const (
	VerifyUIAHitTest        = "uia_hit_test"
	VerifyPixelFingerprint  = "pixel_fingerprint"
	VerifyWindowFingerprint = "window_fingerprint"
)

// Step is one action for the execution agent.
type Step struct {
	ID     string   `json:"id"`
	Kind   string   `json:"kind"`
	Via    Route    `json:"via"`
	Verify []string `json:"verify"`
}

// Selection sources, in priority order.
const (
	SelectionMemory    = "memory"
	SelectionHeuristic = "heuristic"
	SelectionOCR       = "ocr"
	SelectionVLM       = "vlm"
	SelectionNone      = "none"
)

// Plan is a fully resolved action plan for one send.
type Plan struct {
	Intent              Intent      `json:"intent"`
	Screen              ScreenState `json:"screen_state"`
	Route               Route       `json:"route_level"`
	ReplaySkillID       string      `json:"replay_skill_id"`
	MemoryHit           bool        `json:"memory_hit"`
	SelectionSource     string      `json:"selection_source"`
	SelectedCandidateID int         `json:"selected_candidate_id,omitempty"`
	VLMCallsUsed        int         `json:"vlm_calls_used"`
	Candidates          []Candidate `json:"candidates,omitempty"`
	Steps               []Step      `json:"steps"`
}

// Outcome reports what happened when a plan ran.
type Outcome struct {
	Plan            Plan
	Sent            bool
	LatencyMs       int
	SomSucceeded    bool
	HighRiskMisfire bool
}
