package domain

import "time"

type IntegrityLevel string

const (
	LevelHigh   IntegrityLevel = "HIGH"
	LevelMedium IntegrityLevel = "MEDIUM"
	LevelLow    IntegrityLevel = "LOW"
)

// ScoreWeights are product policy values; they are echoed in every report so
// a third party can reproduce the score.
type ScoreWeights struct {
	Hash     int `json:"hash"`
	Seal     int `json:"seal"`
	Snapshot int `json:"snapshot"`
}

type LevelThresholds struct {
	High   int `json:"high"`
	Medium int `json:"medium"`
}

type ScoringPolicy struct {
	Weights    ScoreWeights    `json:"weights"`
	Thresholds LevelThresholds `json:"thresholds"`
}

func DefaultScoringPolicy() ScoringPolicy {
	return ScoringPolicy{
		Weights:    ScoreWeights{Hash: 40, Seal: 30, Snapshot: 30},
		Thresholds: LevelThresholds{High: 80, Medium: 50},
	}
}

type TrailShape string

const (
	ShapeExport       TrailShape = "export"
	ShapeFlatArray    TrailShape = "flat_array"
	ShapeNestedTrail  TrailShape = "nested_trail"
	ShapeAccessLog    TrailShape = "access_log"
	ShapeLive         TrailShape = "live"
	ShapeMissing      TrailShape = "missing"
	ShapeUnrecognized TrailShape = "unrecognized"
)

type HashSource string

const (
	HashSourceSnapshot     HashSource = "snapshot"
	HashSourceLiveDocument HashSource = "live_document"
	HashSourceNone         HashSource = "none"
)

type HashVerification struct {
	IsValid        bool       `json:"isValid"`
	StoredHash     string     `json:"storedHash"`
	RecomputedHash string     `json:"recomputedHash"`
	Source         HashSource `json:"source"`
}

type AuditIntegrity struct {
	IsValid    bool             `json:"isValid"`
	Partial    bool             `json:"partial"`
	Sealed     bool             `json:"sealed"`
	Shape      TrailShape       `json:"shape"`
	Records    int              `json:"records"`
	Issues     []string         `json:"issues"`
	Violations []ChainViolation `json:"violations,omitempty"`
}

type TimestampSummary struct {
	Verified     bool      `json:"verified"`
	HashBound    bool      `json:"hashBound"`
	TSAURL       string    `json:"tsaUrl"`
	Value        time.Time `json:"timestamp"`
	SerialNumber string    `json:"serialNumber,omitempty"`
	ErrorCode    string    `json:"errorCode,omitempty"`
}

type ScoreComponent struct {
	Check   string `json:"check"`
	Weight  int    `json:"weight"`
	Awarded int    `json:"awarded"`
}

const (
	FindingHashMismatch            = "HASH_MISMATCH"
	FindingHashUnverifiable        = "HASH_UNVERIFIABLE"
	FindingChainViolation          = "CHAIN_INTEGRITY_VIOLATION"
	FindingTrailNotSealed          = "TRAIL_NOT_SEALED"
	FindingTrailMissing            = "TRAIL_MISSING"
	FindingLegacyShape             = "LEGACY_SHAPE"
	FindingLegacyShapeUnrecognized = "LEGACY_SHAPE_UNRECOGNIZED"
	FindingSnapshotMissing         = "SNAPSHOT_MISSING"
	FindingTimestampUnavailable    = "TIMESTAMP_UNAVAILABLE"
	FindingTimestampHashMismatch   = "TIMESTAMP_HASH_MISMATCH"
	FindingFieldUnreadable         = "ENCRYPTION_KEY_MISMATCH"
	FindingSignerNotVerified       = "SIGNER_NOT_VERIFIED"
)

type Finding struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type IntegrityReport struct {
	SignatureID      string            `json:"signatureId"`
	ResourceID       string            `json:"resourceId"`
	HashVerification HashVerification  `json:"hashVerification"`
	AuditIntegrity   AuditIntegrity    `json:"auditIntegrity"`
	SnapshotPresent  bool              `json:"snapshotPresent"`
	Timestamp        TimestampSummary  `json:"timestamp"`
	Signer           SignerInfo        `json:"signer"`
	OverallScore     int               `json:"overallScore"`
	Level            IntegrityLevel    `json:"level"`
	Scoring          ScoringPolicy     `json:"scoring"`
	Breakdown        []ScoreComponent  `json:"breakdown"`
	Findings         []Finding         `json:"findings"`
	Recommendations  []string          `json:"recommendations"`
	Policy           *PolicyEvaluation `json:"policy,omitempty"`
}
