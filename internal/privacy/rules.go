package privacy

import "regexp"

// PatternConfidence is assigned to every pattern hit. Syntactic rules have a
// low false-positive rate compared to the model detector.
const PatternConfidence = 0.95

// GetDefaultRules returns the built-in rule set
func GetDefaultRules() []DetectionRule {
	return []DetectionRule{
		{
			Name:     "email",
			Category: PIIEmail,
			Pattern:  regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Z|a-z]{2,}\b`),
		},
		{
			Name:     "phone",
			Category: PIIPhone,
			Pattern:  regexp.MustCompile(`\b(?:\+?60|0)1[0-46-9]-?\d{7,8}\b`),
		},
		{
			Name:     "national_id",
			Category: PIINationalID,
			Pattern:  regexp.MustCompile(`\b\d{6}-\d{2}-\d{4}\b`),
		},
		{
			Name:     "credit_card",
			Category: PIICreditCard,
			Pattern:  regexp.MustCompile(`\b(?:\d{4}[-\s]?){3}\d{4}\b`),
		},
		{
			Name:     "ip_address",
			Category: PIIIPAddress,
			Pattern:  regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
		},
		{
			Name:     "passport",
			Category: PIIPassport,
			Pattern:  regexp.MustCompile(`\b[A-Z]{1}\d{7,8}\b`),
		},
	}
}
