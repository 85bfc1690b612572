package audit

import (
	"fmt"
	"strings"
)

// SemanticTag is one entry of the frozen outcome vocabulary. Rows carry tags
// so downstream tooling can aggregate outcomes without parsing reason slugs.
type SemanticTag string

const (
	TagSentConfirmed         SemanticTag = "sent_confirmed"
	TagReceiptUncertain      SemanticTag = "receipt_uncertain"
	TagRecipientMismatch     SemanticTag = "recipient_mismatch"
	TagUIStyleMismatch       SemanticTag = "ui_style_mismatch"
	TagSendStatusMismatch    SemanticTag = "send_status_mismatch"
	TagEvidenceBundleMissing SemanticTag = "evidence_bundle_missing"
	TagThrottled             SemanticTag = "throttled"
	TagDuplicatePayload      SemanticTag = "duplicate_payload"
	TagAllowlistDenied       SemanticTag = "allowlist_denied"
	TagFriendTierViolation   SemanticTag = "friend_tier_violation"
	TagApprovalMissing       SemanticTag = "approval_missing"
	TagApprovalExpired       SemanticTag = "approval_expired"
	TagKillSwitchActive      SemanticTag = "kill_switch_active"
	TagInputMutexTimeout     SemanticTag = "input_mutex_timeout"
	TagInputMutexCooldown    SemanticTag = "input_mutex_cooldown"
	TagPolicyDenied          SemanticTag = "policy_denied"
)

var vocabulary = map[SemanticTag]bool{
	TagSentConfirmed:         true,
	TagReceiptUncertain:      true,
	TagRecipientMismatch:     true,
	TagUIStyleMismatch:       true,
	TagSendStatusMismatch:    true,
	TagEvidenceBundleMissing: true,
	TagThrottled:             true,
	TagDuplicatePayload:      true,
	TagAllowlistDenied:       true,
	TagFriendTierViolation:   true,
	TagApprovalMissing:       true,
	TagApprovalExpired:       true,
	TagKillSwitchActive:      true,
	TagInputMutexTimeout:     true,
	TagInputMutexCooldown:    true,
	TagPolicyDenied:          true,
}

// ValidateTags rejects any tag outside the frozen vocabulary.
func ValidateTags(tags []SemanticTag) error {
	for _, tag := range tags {
		if !vocabulary[tag] {
			return fmt.Errorf("invalid_semantic_tag: %q", tag)
		}
	}
	return nil
}

// DeriveTags maps an outcome message to its tags. The mapping is
// deterministic: the same message always yields the same tag set, and every
// produced tag is in the frozen vocabulary.
func DeriveTags(sent bool, message string) []SemanticTag {
	var tags []SemanticTag
	add := func(tag SemanticTag) {
		for _, existing := range tags {
			if existing == tag {
				return
			}
		}
		tags = append(tags, tag)
	}

	if sent {
		add(TagSentConfirmed)
	}
	needles := []struct {
		needle string
		tag    SemanticTag
	}{
		{"receipt_uncertain", TagReceiptUncertain},
		{"recipient_mismatch", TagRecipientMismatch},
		{"ui_style_mismatch", TagUIStyleMismatch},
		{"send_status_mismatch", TagSendStatusMismatch},
		{"evidence_bundle_missing", TagEvidenceBundleMissing},
		{"target_not_in_allowlist", TagAllowlistDenied},
		{"friend_tier", TagFriendTierViolation},
		{"approval_ticket_missing", TagApprovalMissing},
		{"approval_ticket_expired", TagApprovalExpired},
		{"kill_switch", TagKillSwitchActive},
		{"input_mutex_timeout", TagInputMutexTimeout},
		{"input_mutex_cooldown", TagInputMutexCooldown},
	}
	for _, n := range needles {
		if strings.Contains(message, n.needle) {
			add(n.tag)
		}
	}
	if strings.Contains(message, "throttled:") {
		add(TagThrottled)
	}
	if strings.Contains(message, "duplicate_payload") {
		add(TagDuplicatePayload)
	}
	if !sent && len(tags) == 0 {
		add(TagPolicyDenied)
	}
	return tags
}
