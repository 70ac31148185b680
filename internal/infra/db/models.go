package db

import "time"

type AuditTrailModel struct {
	ResourceID   string    `gorm:"primaryKey"`
	ResourceName string    `gorm:"not null"`
	LastHash     string    `gorm:"not null"`
	RecordCount  int64     `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
	SealedAt     *time.Time
	SealHash     *string
}

func (AuditTrailModel) TableName() string { return "audit_trails" }

type AuditRecordModel struct {
	ResourceID      string    `gorm:"primaryKey"`
	SequenceIndex   int64     `gorm:"primaryKey;autoIncrement:false"`
	Timestamp       time.Time `gorm:"not null"`
	Action          string    `gorm:"index;not null"`
	ActorType       string    `gorm:"not null"`
	ActorIdentifier string    `gorm:"not null"`
	ResourceType    string    `gorm:"not null"`
	ResourceRef     string    `gorm:"not null"`
	ResourceName    string    `gorm:"not null"`
	DetailsJSON     []byte    `gorm:"type:jsonb;not null"`
	IPAddress       string
	UserAgent       string
	RecordHash      string `gorm:"index;not null"`
	PreviousHash    string `gorm:"not null"`
}

func (AuditRecordModel) TableName() string { return "audit_records" }

type OTPStateModel struct {
	ShortID   string    `gorm:"primaryKey"`
	StateJSON []byte    `gorm:"type:jsonb;not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (OTPStateModel) TableName() string { return "otp_states" }

type EvidenceModel struct {
	SignatureID  string    `gorm:"primaryKey"`
	TenantID     string    `gorm:"index;not null"`
	ResourceID   string    `gorm:"index;not null"`
	DocumentJSON []byte    `gorm:"type:jsonb;not null"`
	CreatedAt    time.Time `gorm:"not null"`
}

func (EvidenceModel) TableName() string { return "signature_evidence" }
