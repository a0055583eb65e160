package rules

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/example/escrow-resolution/internal/evidence"
)

// ReasonCode is the normalized category of a dispute
type ReasonCode string

const (
	ReasonNotReceived    ReasonCode = "NOT_RECEIVED"
	ReasonWrongItem      ReasonCode = "WRONG_ITEM"
	ReasonDamaged        ReasonCode = "DAMAGED"
	ReasonNotAsDescribed ReasonCode = "NOT_AS_DESCRIBED"
	ReasonOther          ReasonCode = "OTHER"
)

// Reason describes a reason code and the evidence that typically settles it
type Reason struct {
	Code             ReasonCode      `json:"code"`
	Description      string          `json:"description"`
	Category         string          `json:"category"`
	ExpectedEvidence []evidence.Type `json:"expected_evidence"`
}

var Reasons = map[ReasonCode]Reason{
	ReasonNotReceived: {
		Code:             ReasonNotReceived,
		Description:      "Buyer reports the order never arrived",
		Category:         "Fulfilment",
		ExpectedEvidence: []evidence.Type{evidence.TypePOD},
	},
	ReasonWrongItem: {
		Code:             ReasonWrongItem,
		Description:      "Delivered item differs from the one ordered",
		Category:         "Fulfilment",
		ExpectedEvidence: []evidence.Type{evidence.TypeUnboxingVideo, evidence.TypeInvoice},
	},
	ReasonDamaged: {
		Code:             ReasonDamaged,
		Description:      "Item arrived damaged or defective",
		Category:         "Quality",
		ExpectedEvidence: []evidence.Type{evidence.TypeUnboxingVideo, evidence.TypePhoto},
	},
	ReasonNotAsDescribed: {
		Code:             ReasonNotAsDescribed,
		Description:      "Item does not match the listing",
		Category:         "Quality",
		ExpectedEvidence: []evidence.Type{evidence.TypePhoto, evidence.TypeChatLog},
	},
	ReasonOther: {
		Code:        ReasonOther,
		Description: "Any other complaint",
		Category:    "Other",
	},
}

// ParseReasonCode validates an explicit reason code.
func ParseReasonCode(s string) (ReasonCode, error) {
	code := ReasonCode(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := Reasons[code]; !ok {
		return "", fmt.Errorf("unknown reason code %q", s)
	}
	return code, nil
}

var reasonPatterns = []struct {
	code ReasonCode
	re   *regexp.Regexp
}{
	{ReasonNotReceived, regexp.MustCompile(`(?i)\b(not|never)\s+(been\s+)?(received|delivered|arrived)\b|\bdid\s*n[o']?t\s+(receive|arrive|get)\b|\bmissing\s+(order|package|parcel|shipment)\b|\blost\b`)},
	{ReasonWrongItem, regexp.MustCompile(`(?i)\bwrong\b|\bdifferent\s+(item|product|model|size|colou?r)\b|\bincorrect\s+(item|product)\b`)},
	{ReasonDamaged, regexp.MustCompile(`(?i)\b(damaged|broken|cracked|defective|faulty|dented|torn|shattered)\b`)},
	{ReasonNotAsDescribed, regexp.MustCompile(`(?i)\bnot\s+as\s+(described|advertised|shown|pictured)\b|\b(counterfeit|fake)\b|\bdoes\s*n[o']?t\s+match\b`)},
}

// NormalizeReason maps free text to a reason code. Patterns are checked in
// order so that "wrong item and damaged box" is WRONG_ITEM.
func NormalizeReason(text string) ReasonCode {
	for _, p := range reasonPatterns {
		if p.re.MatchString(text) {
			return p.code
		}
	}
	return ReasonOther
}
