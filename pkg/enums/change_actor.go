package enums

import "fmt"

// ChangeActor identifies who drove a subscription mutation in the audit log.
type ChangeActor string

const (
	ChangeActorUser      ChangeActor = "user"
	ChangeActorAdmin     ChangeActor = "admin"
	ChangeActorWebhook   ChangeActor = "webhook"
	ChangeActorScheduler ChangeActor = "scheduler"
)

var validChangeActors = []ChangeActor{
	ChangeActorUser,
	ChangeActorAdmin,
	ChangeActorWebhook,
	ChangeActorScheduler,
}

// IsValid reports whether the value matches the canonical change actor enum.
func (c ChangeActor) IsValid() bool {
	for _, candidate := range validChangeActors {
		if candidate == c {
			return true
		}
	}
	return false
}

// ParseChangeActor converts the raw string to ChangeActor.
func ParseChangeActor(value string) (ChangeActor, error) {
	for _, candidate := range validChangeActors {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid change actor %q", value)
}
