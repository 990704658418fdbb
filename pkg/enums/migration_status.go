package enums

import "fmt"

// MigrationStatus tracks the temp-to-permanent asset migration of an order.
type MigrationStatus string

const (
	MigrationStatusNotStarted MigrationStatus = "not_started"
	MigrationStatusInProgress MigrationStatus = "in_progress"
	MigrationStatusCompleted  MigrationStatus = "completed"
	MigrationStatusFailed     MigrationStatus = "failed"
)

var validMigrationStatuses = []MigrationStatus{
	MigrationStatusNotStarted,
	MigrationStatusInProgress,
	MigrationStatusCompleted,
	MigrationStatusFailed,
}

// String implements fmt.Stringer.
func (m MigrationStatus) String() string {
	return string(m)
}

// IsValid reports whether the value is a known MigrationStatus.
func (m MigrationStatus) IsValid() bool {
	for _, candidate := range validMigrationStatuses {
		if candidate == m {
			return true
		}
	}
	return false
}

// ParseMigrationStatus converts raw input into a MigrationStatus.
func ParseMigrationStatus(value string) (MigrationStatus, error) {
	for _, candidate := range validMigrationStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid migration status %q", value)
}
