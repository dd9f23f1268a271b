package system

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

const (
	AccountPrefix = "acct_"
	EventPrefix   = "evt_"
)

func GenerateUUID() string {
	return uuid.New().String()
}

func newID() string {
	return strings.ToLower(ulid.Make().String())
}

func GenerateAccountID() string {
	return fmt.Sprintf("%s%s", AccountPrefix, newID())
}

func GenerateEventID() string {
	return fmt.Sprintf("%s%s", EventPrefix, newID())
}
