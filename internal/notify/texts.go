package notify

import (
	"fmt"
	"strings"

	"github.com/groupguard/groupguard/internal/moderation"
)

// WarningBanner is the group reply to a spam message: "no links or spam in
// this group".
const WarningBanner = "🚫 ห้ามส่งลิงก์หรือสแปมในกลุ่มนี้"

var reasonLabels = map[moderation.Reason]string{
	moderation.ReasonLink:            "link",
	moderation.ReasonBannedKeyword:   "banned keyword",
	moderation.ReasonRepeatedMessage: "repeated message",
}

// ReasonText renders reasons for people, in precedence order.
func ReasonText(rs moderation.Reasons) string {
	list := rs.List()
	labels := make([]string, len(list))
	for i, r := range list {
		labels[i] = reasonLabels[r]
	}
	return strings.Join(labels, ", ")
}

// WarningText is the reply posted in the group for a warn or escalate
// verdict.
func WarningText(v moderation.Verdict, maxWarn uint32) string {
	return fmt.Sprintf("%s\n(%s, warning %d/%d)", WarningBanner, ReasonText(v.Reasons), v.WarnCount, maxWarn)
}

// AlertText is the base text of the administrator alert for an escalation.
// senderName falls back to the sender ID when empty.
func AlertText(v moderation.Verdict, senderName string) string {
	if senderName == "" {
		senderName = string(v.Sender)
	}
	return fmt.Sprintf("⚠️ %s was escalated after %s (%s). Please review.", senderName, warnings(int(v.WarnCount)), ReasonText(v.Reasons))
}

func warnings(n int) string {
	if n == 1 {
		return "1 warning"
	}
	return fmt.Sprintf("%d warnings", n)
}

// RejoinText is the base text of the alert raised when a flagged sender joins
// a group again.
func RejoinText(sender moderation.SenderID, senderName string) string {
	if senderName == "" {
		senderName = string(sender)
	}
	return fmt.Sprintf("⚠️ previously flagged member %s joined the group. Please review.", senderName)
}
