package models

import "time"

// BatchJobStatus is the lifecycle state of a batch analysis job.
type BatchJobStatus string

const (
	BatchJobPending   BatchJobStatus = "pending"
	BatchJobRunning   BatchJobStatus = "running"
	BatchJobCompleted BatchJobStatus = "completed"
	BatchJobFailed    BatchJobStatus = "failed"
	BatchJobCancelled BatchJobStatus = "cancelled"
)

// BatchJobPriority is the analysis priority tier, derived from batch size.
type BatchJobPriority string

const (
	BatchPriorityLow    BatchJobPriority = "low"
	BatchPriorityNormal BatchJobPriority = "normal"
	BatchPriorityHigh   BatchJobPriority = "high"
)

// AnalysisResult caches the AI analysis output for one message and one analysis type.
type AnalysisResult struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	MessageID    string    `gorm:"index:idx_analysis_msg_type,unique;not null" json:"messageId"`
	AnalysisType string    `gorm:"index:idx_analysis_msg_type,unique;not null" json:"analysisType"`
	Result       string    `gorm:"type:text" json:"result"`
	Confidence   float64   `json:"confidence"`
	CreatedAt    time.Time `json:"createdAt"`
}

// BatchAnalysisJobRecord is the persisted state of a batch analysis job.
type BatchAnalysisJobRecord struct {
	ID         string           `gorm:"primaryKey;type:varchar(64)" json:"id"`
	UserID     *uint            `gorm:"index" json:"userId,omitempty"`
	AccountID  *uint            `gorm:"index" json:"accountId,omitempty"`
	Status     BatchJobStatus   `gorm:"index;not null" json:"status"`
	Priority   BatchJobPriority `gorm:"not null" json:"priority"`
	MessageIDs StringSlice      `gorm:"type:json" json:"messageIds"`

	// Progress counters
	Total      int `json:"total"`
	Processed  int `json:"processed"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`

	// Options snapshot (JSON encoded BatchOptions)
	Options string `gorm:"type:text" json:"options"`

	ErrorMessage        string     `json:"errorMessage,omitempty"`
	EstimatedCompletion *time.Time `json:"estimatedCompletion,omitempty"`
	StartedAt           *time.Time `json:"startedAt,omitempty"`
	CompletedAt         *time.Time `json:"completedAt,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}
