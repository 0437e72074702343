package models

import "time"

// Query is the per-request unit of work. RawText lives only in memory for
// the duration of the request; everything persisted or logged downstream
// derives from RedactedText.
type Query struct {
	ID           string
	SessionID    string
	UserID       string
	RawText      string `json:"-"`
	RedactedText string
	Redacted     bool
	Fingerprint  string
	CreatedAt    time.Time
}

// PHICategory is one of the 18 HIPAA Safe Harbor identifier categories.
type PHICategory string

const (
	PHIName            PHICategory = "name"
	PHIGeographic      PHICategory = "geographic"
	PHIDate            PHICategory = "date"
	PHIPhone           PHICategory = "phone"
	PHIFax             PHICategory = "fax"
	PHIEmail           PHICategory = "email"
	PHISSN             PHICategory = "ssn"
	PHIMRN             PHICategory = "mrn"
	PHIHealthPlan      PHICategory = "health_plan"
	PHIAccount         PHICategory = "account"
	PHICertificate     PHICategory = "certificate"
	PHIVehicle         PHICategory = "vehicle"
	PHIDevice          PHICategory = "device"
	PHIURL             PHICategory = "url"
	PHIIPAddress       PHICategory = "ip_address"
	PHIBiometric       PHICategory = "biometric"
	PHIPhoto           PHICategory = "photo"
	PHIOtherIdentifier PHICategory = "other_identifier"
)

// PHIMatch records one detected identifier span. Only Category ever leaves
// the request scope; Start/End/original text are never persisted.
type PHIMatch struct {
	Category    PHICategory
	Start       int
	End         int
	Replacement string
}

type CacheEntry struct {
	Fingerprint   string
	Embedding     []float32
	Payload       string
	Source        string
	ParentChunkID string
	HitCount      int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// DocumentChunk is immutable once stored; a re-fetch writes new chunks
// rather than mutating old ones.
type DocumentChunk struct {
	ID         string
	EntityName string
	EntityType string
	Text       string
	Embedding  []float32
	SourceID   string
	Citation   string
	Tags       []string
	CreatedAt  time.Time
}

// EntityKind tags the GraphEntity union.
type EntityKind string

const (
	KindGene          EntityKind = "Gene"
	KindDrug          EntityKind = "Drug"
	KindCondition     EntityKind = "Condition"
	KindMedicalRecord EntityKind = "MedicalRecord"
)

func KnownEntityKinds() []EntityKind {
	return []EntityKind{KindGene, KindDrug, KindCondition, KindMedicalRecord}
}

// GraphEntity is a tagged union: the envelope fields are common to every
// kind, exactly one of the payload pointers is set, matching Kind.
type GraphEntity struct {
	Kind      EntityKind
	Name      string
	Source    string
	CreatedAt time.Time
	UpdatedAt time.Time

	Gene          *GenePayload
	Drug          *DrugPayload
	Condition     *ConditionPayload
	MedicalRecord *MedicalRecordPayload
}

type GenePayload struct {
	Symbol   string
	Organism string
	Function string
}

type DrugPayload struct {
	GenericName string
	DrugClass   string
	Mechanism   string
}

type ConditionPayload struct {
	ICD10Code string
	Category  string
}

// MedicalRecordPayload holds only de-identified content; the validation
// assessor rejects records whose summary still carries identifiers.
type MedicalRecordPayload struct {
	RecordType string
	Summary    string
}

type Predicate string

const (
	PredicateTreats         Predicate = "TREATS"
	PredicateTargets        Predicate = "TARGETS"
	PredicateInteractsWith  Predicate = "INTERACTS_WITH"
	PredicateCauses         Predicate = "CAUSES"
	PredicatePrevents       Predicate = "PREVENTS"
	PredicateAssociatedWith Predicate = "ASSOCIATED_WITH"
	PredicateRelatesTo      Predicate = "RELATES_TO"
)

func KnownPredicates() []Predicate {
	return []Predicate{
		PredicateTreats, PredicateTargets, PredicateInteractsWith,
		PredicateCauses, PredicatePrevents, PredicateAssociatedWith,
		PredicateRelatesTo,
	}
}

// Relationship is a directed edge deduplicated by (subject, predicate,
// object); re-insertion refreshes UpdatedAt only.
type Relationship struct {
	SubjectKind EntityKind
	SubjectName string
	Predicate   Predicate
	ObjectKind  EntityKind
	ObjectName  string
	Source      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AuditLogEntry is append-only; one entry per pipeline branch taken.
type AuditLogEntry struct {
	ID          string
	EventType   string
	SessionID   string
	CacheStatus string
	ResultCount int
	PHIDetected bool
	Degraded    bool
	Detail      string
	CreatedAt   time.Time
}

// PHIAuditLogEntry records a detection/redaction event. DataEgress is an
// invariant field: it is always false, asserted at write time.
type PHIAuditLogEntry struct {
	ID                 string
	SessionID          string
	Operation          string
	MatchCount         int
	Categories         []PHICategory
	ProcessingLocation string
	Model              string
	DataEgress         bool
	CreatedAt          time.Time
}

type SessionRecord struct {
	ID        string
	UserID    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type RecordValidation struct {
	Index        int
	Kind         EntityKind
	SchemaValid  bool
	SchemaErrors []string
	PHILeak      bool
	LeakFields   []string
	Accuracy     float64
	Passed       bool
}

// ValidationReport is immutable once produced. HIPAACompliant is false if
// any record leaks PHI, regardless of schema validity.
type ValidationReport struct {
	ID             string
	Valid          bool
	HIPAACompliant bool
	QualityScore   float64
	Records        []RecordValidation
	CreatedAt      time.Time
}
