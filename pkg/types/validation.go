package types

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"golang.org/x/text/language"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// validatorInstance is shared; validator.Validate caches struct metadata and
// is safe for concurrent use.
func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		// Report json field names so clients can map errors to their payload
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// Validate checks struct tags on v and wraps failures in ErrValidation
func Validate(v any) error {
	err := validatorInstance().Struct(v)
	if err == nil {
		return nil
	}
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	fields := make([]string, 0, len(ve))
	for _, fe := range ve {
		fields = append(fields, fe.Field()+":"+fe.Tag())
	}
	sort.Strings(fields)
	return fmt.Errorf("%w: %s", ErrValidation, strings.Join(fields, ", "))
}

// Validate enforces the session invariants: endTime is set iff the session
// ended, and the student count never goes negative.
func (s *Session) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: session id is required", ErrValidation)
	}
	switch s.State {
	case SessionActive:
		if s.EndTime != nil {
			return fmt.Errorf("%w: active session %s has an end time", ErrValidation, s.ID)
		}
	case SessionEnded:
		if s.EndTime == nil {
			return fmt.Errorf("%w: ended session %s has no end time", ErrValidation, s.ID)
		}
	default:
		return fmt.Errorf("%w: unknown session state %q", ErrValidation, s.State)
	}
	if s.StudentsCount < 0 {
		return fmt.Errorf("%w: negative student count on session %s", ErrValidation, s.ID)
	}
	return nil
}

// NormalizeLanguage puts a BCP-47 code in canonical case ("ES-es" becomes
// "es-ES") so one language always fans out once. Codes that do not parse are
// only trimmed. An empty result means "no language".
func NormalizeLanguage(code string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return ""
	}
	// Raw fixes casing and separators without remapping deprecated subtags
	tag, err := language.Raw.Parse(code)
	if err != nil {
		return code
	}
	return tag.String()
}

// NormalizeClassroomCode makes codes comparable regardless of how they were typed
func NormalizeClassroomCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
