package phi

import (
	"regexp"

	"github.com/medgraph/backend/internal/storage/models"
)

// Pattern rules for the HIPAA Safe Harbor identifier categories that have a
// deterministic textual shape. Names are handled separately through NER in
// detector.go; ambiguous text falls through to the local classifier.
var categoryPatterns = []struct {
	category models.PHICategory
	re       *regexp.Regexp
}{
	{models.PHISSN, regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{models.PHIMRN, regexp.MustCompile(`(?i)\b(?:MRN|medical record (?:number|no\.?))[\s:#]*([A-Z]{0,3}\d{5,10}|[A-Z]{2}\d{4,8})\b`)},
	{models.PHIMRN, regexp.MustCompile(`\b[A-Z]{2}\d{6}\b`)},
	{models.PHIDate, regexp.MustCompile(`\b(?:0?[1-9]|1[0-2])[/-](?:0?[1-9]|[12]\d|3[01])[/-](?:19|20)?\d{2}\b`)},
	{models.PHIDate, regexp.MustCompile(`(?i)\b(?:jan(?:uary)?|feb(?:ruary)?|mar(?:ch)?|apr(?:il)?|may|jun(?:e)?|jul(?:y)?|aug(?:ust)?|sep(?:tember)?|oct(?:ober)?|nov(?:ember)?|dec(?:ember)?)\s+\d{1,2},?\s+(?:19|20)\d{2}\b`)},
	{models.PHIFax, regexp.MustCompile(`(?i)\bfax[\s:#]*\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`)},
	{models.PHIPhone, regexp.MustCompile(`\b\(?\d{3}\)?[-.\s]\d{3}[-.\s]?\d{4}\b`)},
	{models.PHIEmail, regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)},
	{models.PHIIPAddress, regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)},
	{models.PHIURL, regexp.MustCompile(`\bhttps?://[^\s]+`)},
	{models.PHIHealthPlan, regexp.MustCompile(`(?i)\b(?:health plan|member|policy|insurance)[\s:#]*(?:id|number|no\.?)?[\s:#]*[A-Z0-9]{6,15}\b`)},
	{models.PHIAccount, regexp.MustCompile(`(?i)\baccount[\s:#]*(?:number|no\.?)?[\s:#]*\d{6,16}\b`)},
	{models.PHICertificate, regexp.MustCompile(`(?i)\b(?:certificate|license)[\s:#]*(?:number|no\.?)?[\s:#]*[A-Z0-9]{5,15}\b`)},
	{models.PHIVehicle, regexp.MustCompile(`(?i)\b(?:vin|license plate)[\s:#]*[A-Z0-9]{5,17}\b`)},
	{models.PHIDevice, regexp.MustCompile(`(?i)\b(?:device|serial|implant)[\s:#]*(?:id|number|no\.?)?[\s:#]*[A-Z0-9]{5,20}\b`)},
	{models.PHIBiometric, regexp.MustCompile(`(?i)\b(?:fingerprint|voiceprint|retina(?:l)? scan|iris scan)\b[^.\n]{0,40}`)},
	{models.PHIPhoto, regexp.MustCompile(`(?i)\bfull[- ]face photo(?:graph)?\b[^.\n]{0,40}`)},
	{models.PHIGeographic, regexp.MustCompile(`\b\d{1,5}\s+\w+\s+(?:st(?:reet)?|ave(?:nue)?|blvd|boulevard|rd|road|dr(?:ive)?|ln|lane|ct|court)\b`)},
	{models.PHIOtherIdentifier, regexp.MustCompile(`(?i)\bage[\s:]*(?:9\d|1[0-4]\d)\b`)},
	{models.PHIOtherIdentifier, regexp.MustCompile(`\b(?:9\d|1[0-4]\d)[\s-]*(?:years?[\s-]*old|y/?o)\b`)},
}

var replacementTokens = map[models.PHICategory]string{
	models.PHIName:            "[NAME_REDACTED]",
	models.PHIGeographic:      "[ADDRESS_REDACTED]",
	models.PHIDate:            "[DATE_REDACTED]",
	models.PHIPhone:           "[PHONE_REDACTED]",
	models.PHIFax:             "[FAX_REDACTED]",
	models.PHIEmail:           "[EMAIL_REDACTED]",
	models.PHISSN:             "[SSN_REDACTED]",
	models.PHIMRN:             "[MRN_REDACTED]",
	models.PHIHealthPlan:      "[HEALTH_PLAN_ID_REDACTED]",
	models.PHIAccount:         "[ACCOUNT_REDACTED]",
	models.PHICertificate:     "[CERTIFICATE_REDACTED]",
	models.PHIVehicle:         "[VEHICLE_ID_REDACTED]",
	models.PHIDevice:          "[DEVICE_ID_REDACTED]",
	models.PHIURL:             "[URL_REDACTED]",
	models.PHIIPAddress:       "[IP_REDACTED]",
	models.PHIBiometric:       "[BIOMETRIC_REDACTED]",
	models.PHIPhoto:           "[PHOTO_REF_REDACTED]",
	models.PHIOtherIdentifier: "[IDENTIFIER_REDACTED]",
}

// nameContextRe matches a capitalized name immediately after a role marker
// such as "Patient" or "Dr.". The name is capture group 1.
var nameContextRe = regexp.MustCompile(`(?:[Pp]atient|[Dd]r\.?|[Mm]rs?\.|[Mm]s\.)\s+([A-Z][a-z]+(?:\s+[A-Z][a-z]+){0,2})`)

// medicalContext marks text that warrants classifier escalation even when no
// deterministic pattern fired.
var medicalContext = regexp.MustCompile(`(?i)\b(?:patient|diagnos\w+|admitted|discharge[d]?|medical record|dob|date of birth|chart|clinic visit|treatment plan)\b`)

func ReplacementToken(category models.PHICategory) string {
	return replacementTokens[category]
}
