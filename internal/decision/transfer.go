package decision

import "strings"

// DefaultTransferKeywords are phrases by which a caller asks for a human.
var DefaultTransferKeywords = []string{
	"speak to agent", "human", "real person", "transfer",
	"speak to someone", "talk to someone", "agent", "representative",
}

// DefaultAutoTransferConditions hand the call over without being asked.
var DefaultAutoTransferConditions = []string{"emergency", "urgent", "complaint", "escalate"}

const (
	ReasonTransferKeyword = "transfer_keyword"
	ReasonAutoTransfer    = "auto_transfer"
)

// DetectTransfer reports whether the utterance asks for, or warrants, a
// human agent. Keywords win over conditions. The reason is one of
// ReasonTransferKeyword or ReasonAutoTransfer.
func DetectTransfer(utterance string, keywords, conditions []string) (bool, string) {
	lower := strings.ToLower(utterance)
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" && containsWord(lower, k) {
			return true, ReasonTransferKeyword
		}
	}
	for _, c := range conditions {
		if c = strings.ToLower(strings.TrimSpace(c)); c != "" && containsWord(lower, c) {
			return true, ReasonAutoTransfer
		}
	}
	return false, ""
}
