package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ValidateSequence checks field constraints and that step orders are 0..n-1 in order.
func ValidateSequence(s Sequence) error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidSequence, describe(err))
	}
	for i, st := range s.Steps {
		if st.Order != i {
			return fmt.Errorf("%w: step %d has order %d", ErrInvalidSequence, i, st.Order)
		}
		if !st.SkipIf.Valid() {
			return fmt.Errorf("%w: step %d has unknown skip condition %q", ErrInvalidSequence, i, st.SkipIf)
		}
	}
	return nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	var msgs []string
	for _, fe := range verrs {
		field := strings.ToLower(fe.Namespace())
		switch fe.Tag() {
		case "required", "required_if":
			msgs = append(msgs, field+" is required")
		case "oneof":
			msgs = append(msgs, field+" must be one of "+fe.Param())
		case "gte":
			msgs = append(msgs, field+" must be at least "+fe.Param())
		default:
			msgs = append(msgs, field+" is invalid")
		}
	}
	return strings.Join(msgs, ", ")
}
