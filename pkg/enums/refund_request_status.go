package enums

import "fmt"

// RefundRequestStatus describes the lifecycle of a refund request.
type RefundRequestStatus string

const (
	RefundRequestStatusPending   RefundRequestStatus = "pending"
	RefundRequestStatusApproved  RefundRequestStatus = "approved"
	RefundRequestStatusRejected  RefundRequestStatus = "rejected"
	RefundRequestStatusProcessed RefundRequestStatus = "processed"
)

var validRefundRequestStatuses = []RefundRequestStatus{
	RefundRequestStatusPending,
	RefundRequestStatusApproved,
	RefundRequestStatusRejected,
	RefundRequestStatusProcessed,
}

// IsValid reports whether the value matches the canonical refund request status enum.
func (s RefundRequestStatus) IsValid() bool {
	for _, candidate := range validRefundRequestStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParseRefundRequestStatus converts the raw string to RefundRequestStatus.
func ParseRefundRequestStatus(value string) (RefundRequestStatus, error) {
	for _, candidate := range validRefundRequestStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid refund request status %q", value)
}
