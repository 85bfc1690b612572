// Package risk classifies outbound tool requests into review tiers and
// produces the canonical hashes that bind an approval to one request.
package risk

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"sort"
	"strings"
)

// Tier orders how much scrutiny a request needs before it may cause a side
// effect outside the process. Higher values are stricter.
type Tier int

const (
	TierLight Tier = iota
	TierStandard
	TierThorough
)

var tierNames = map[Tier]string{
	TierLight:    "light",
	TierStandard: "standard",
	TierThorough: "thorough",
}

func (t Tier) String() string {
	if name, ok := tierNames[t]; ok {
		return name
	}
	return "standard"
}

// ParseTier maps a stored tier name back to its ordered value. Unknown names
// resolve to the strictest tier so a corrupted record never weakens review.
func ParseTier(name string) Tier {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "light":
		return TierLight
	case "standard":
		return TierStandard
	case "thorough":
		return TierThorough
	default:
		return TierThorough
	}
}

// Covers reports whether an approval granted at tier t satisfies a request
// that requires tier required.
func (t Tier) Covers(required Tier) bool { return t >= required }

// Request is the normalized shape of one candidate side-effecting call.
type Request struct {
	ToolName   string
	Permission string
	Params     map[string]any
	ToolCallID string
	MessageID  string
}

// sideEffectPermissions names every capability that can change the world
// outside the process. Anything not listed here is read-only and exempt
// from approval.
var sideEffectPermissions = map[string]bool{
	"message:send":    true,
	"desktop:control": true,
	"file:write":      true,
	"file:delete":     true,
	"shell:exec":      true,
	"payment:execute": true,
	"account:modify":  true,
}

// IsSideEffect reports whether the permission can mutate external state.
func IsSideEffect(permission string) bool {
	return sideEffectPermissions[strings.ToLower(strings.TrimSpace(permission))]
}

var (
	destructivePattern = regexp.MustCompile(`(?i)\b(delete|remove|destroy|wipe|format|transfer|withdraw|pay(?:ment)?|purchase|unsubscribe|deactivate|terminate)\b`)
	sensitivePattern   = regexp.MustCompile(`(?i)\b(password|credential|private[ _-]?key|seed[ _-]?phrase|ssn|passport|bank|routing[ _-]?number)\b`)
)

// RequiredTier computes the minimum review tier for a request. The base tier
// comes from the permission; destructive or sensitive content in the params
// escalates it and never lowers it.
func RequiredTier(req Request) Tier {
	tier := baseTier(req.Permission)

	body := flatten(req.Params)
	if destructivePattern.MatchString(body) || destructivePattern.MatchString(req.ToolName) {
		tier = maxTier(tier, TierThorough)
	}
	if sensitivePattern.MatchString(body) {
		tier = maxTier(tier, TierStandard)
	}
	return tier
}

func baseTier(permission string) Tier {
	switch strings.ToLower(strings.TrimSpace(permission)) {
	case "message:send":
		return TierLight
	case "file:write":
		return TierStandard
	case "desktop:control", "shell:exec", "account:modify":
		return TierStandard
	case "file:delete", "payment:execute":
		return TierThorough
	default:
		return TierStandard
	}
}

func maxTier(a, b Tier) Tier {
	if a > b {
		return a
	}
	return b
}

// StrictHash binds an approval to one exact tool invocation, including the
// call and message identifiers, so a token cannot be replayed for a
// different turn of the same tool with the same params.
func StrictHash(req Request) string {
	return hashFields(req.ToolName, req.Permission, canonicalParams(req.Params), req.ToolCallID, req.MessageID)
}

// LooseHash omits the per-invocation identifiers. It exists for approval
// flows where the approver saw the request before the runtime assigned call
// IDs; a loose match still requires identical tool, permission and params.
func LooseHash(req Request) string {
	return hashFields(req.ToolName, req.Permission, canonicalParams(req.Params))
}

func hashFields(fields ...string) string {
	h := sha256.New()
	for _, f := range fields {
		h.Write([]byte(f))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalParams renders params with sorted keys so hash equality tracks
// semantic equality, not map iteration order.
func canonicalParams(params map[string]any) string {
	if len(params) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		vb, err := json.Marshal(params[k])
		if err != nil {
			vb = []byte(`"<unencodable>"`)
		}
		b.Write(kb)
		b.WriteByte(':')
		b.Write(vb)
	}
	b.WriteByte('}')
	return b.String()
}

func flatten(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	data, err := json.Marshal(params)
	if err != nil {
		return ""
	}
	return string(data)
}
