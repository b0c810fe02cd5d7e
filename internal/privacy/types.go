package privacy

import "regexp"

// PIIType is the closed set of categories a detected span can carry
type PIIType string

const (
	PIIEmail         PIIType = "email"
	PIIPhone         PIIType = "phone"
	PIINationalID    PIIType = "national-id"
	PIICreditCard    PIIType = "credit-card"
	PIIIPAddress     PIIType = "ip-address"
	PIIPassport      PIIType = "passport"
	PIIName          PIIType = "name"
	PIIAddress       PIIType = "address"
	PIIDateOfBirth   PIIType = "date-of-birth"
	PIIDriverLicense PIIType = "driver-license"
	PIIBankAccount   PIIType = "bank-account"
	PIIReligion      PIIType = "religion"
	PIIEthnicity     PIIType = "ethnicity"
	PIIOther         PIIType = "other"
)

// AllTypes lists every category in declaration order
var AllTypes = []PIIType{
	PIIEmail, PIIPhone, PIINationalID, PIICreditCard, PIIIPAddress, PIIPassport,
	PIIName, PIIAddress, PIIDateOfBirth, PIIDriverLicense, PIIBankAccount,
	PIIReligion, PIIEthnicity, PIIOther,
}

// Valid reports whether t is one of the declared categories
func (t PIIType) Valid() bool {
	switch t {
	case PIIEmail, PIIPhone, PIINationalID, PIICreditCard, PIIIPAddress, PIIPassport,
		PIIName, PIIAddress, PIIDateOfBirth, PIIDriverLicense, PIIBankAccount,
		PIIReligion, PIIEthnicity, PIIOther:
		return true
	}
	return false
}

// Source identifies which detector produced a match
type Source string

const (
	SourcePattern Source = "pattern"
	SourceModel   Source = "model"
)

// Match is a single PII span. Start and End are byte offsets into the
// source text and Text == source[Start:End].
type Match struct {
	Text       string  `json:"text"`
	Category   PIIType `json:"category"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Confidence float64 `json:"confidence"`
	Source     Source  `json:"source,omitempty"`
}

// Overlaps reports whether the half-open ranges of m and o intersect
func (m Match) Overlaps(o Match) bool {
	return m.Start < o.End && o.Start < m.End
}

// ValidIn reports whether m describes an exact span of text
func (m Match) ValidIn(text string) bool {
	if m.Start < 0 || m.Start >= m.End || m.End > len(text) {
		return false
	}
	return text[m.Start:m.End] == m.Text
}

// Summary is a read-only reduction of a match set for reporting
type Summary struct {
	Total               int             `json:"total"`
	ByCategory          map[PIIType]int `json:"by_category"`
	HighConfidenceCount int             `json:"high_confidence_count"`
	Matches             []Match         `json:"matches"`
}

// DetectionRule represents a single pattern rule
type DetectionRule struct {
	Name     string
	Category PIIType
	Pattern  *regexp.Regexp
}
