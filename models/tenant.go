package models

import "time"

// Tenant is a managed user of the service with persistent credentials
// against the upstream E-Modal gateway.
type Tenant struct {
	ID                int64     `json:"id" db:"id"`
	Name              string    `json:"name" db:"name"`
	Username          string    `json:"username" db:"username"`
	Token             string    `json:"token" db:"token"`
	FolderPath        string    `json:"folder_path" db:"folder_path"`
	SessionID         *string   `json:"session_id,omitempty" db:"session_id"`
	ScheduleEnabled   bool      `json:"schedule_enabled" db:"schedule_enabled"`
	ScheduleFrequency int       `json:"schedule_frequency" db:"schedule_frequency"` // minutes
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

// Credentials is one platform block of the tenant's user_cre_env.json.
type Credentials struct {
	Username      string `json:"username"`
	Password      string `json:"password"`
	CaptchaAPIKey string `json:"captcha_api_key"`
}

// CredentialFile maps platform tag to credentials.
type CredentialFile map[string]Credentials

// Platform tags carried on queries and in the tenant folder layout.
// Only emodal has a pipeline behind it today.
const (
	PlatformEModal = "emodal"
)

var Platforms = []string{"emodal", "apmt", "wbct", "fms", "yti", "lbct"}
