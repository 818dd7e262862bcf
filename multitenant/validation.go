package multitenant

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/liamcoop/expensepolicy/policy"
	"github.com/liamcoop/expensepolicy/rules"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]*$`)

// ruleFields mirrors the writable fields of an ExpenseRule for tag validation
type ruleFields struct {
	ID         string `json:"id" validate:"required,max=100,ident"`
	CompanyID  string `json:"companyId" validate:"required,max=100,ident"`
	Name       string `json:"name" validate:"max=200"`
	RuleType   string `json:"ruleType" validate:"required,oneof=amount_limit vendor_restriction approval_required"`
	Priority   int    `json:"priority" validate:"gte=-1000000,lte=1000000"`
	CategoryID string `json:"categoryId" validate:"omitempty,max=100,ident"`
	Conditions string `json:"conditions" validate:"max=65536"`
	Actions    string `json:"actions" validate:"max=65536"`
}

// ValidationError reports input rejected before reaching a store
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return e.Err.Error()
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Validator checks rules before they reach a store
type Validator struct {
	validate *validator.Validate
	parser   *policy.Parser
}

// NewValidator creates a rule validator that uses parser for payload checks
func NewValidator(parser *policy.Parser) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their API names
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		return name
	})
	_ = v.RegisterValidation("ident", func(fl validator.FieldLevel) bool {
		return identifierPattern.MatchString(fl.Field().String())
	})
	return &Validator{validate: v, parser: parser}
}

// ValidateRule returns an error describing every problem with r.
// Stores still accept payloads that bypass this check (direct SQL, rule
// files); the parser ignores those rules at evaluation time instead.
func (v *Validator) ValidateRule(r *rules.ExpenseRule) error {
	if r == nil {
		return &ValidationError{Err: errors.New("rule is required")}
	}

	var errs []error
	err := v.validate.Struct(ruleFields{
		ID:         r.ID,
		CompanyID:  r.CompanyID,
		Name:       r.Name,
		RuleType:   string(r.RuleType),
		Priority:   r.Priority,
		CategoryID: r.CategoryID,
		Conditions: r.Conditions,
		Actions:    r.Actions,
	})
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		for _, fe := range fieldErrs {
			errs = append(errs, fieldError(fe))
		}
	} else if err != nil {
		errs = append(errs, err)
	}

	// Payloads are only meaningful once the type is known
	if r.RuleType.IsValid() {
		if err := v.parser.Check(r); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return &ValidationError{Err: fmt.Errorf("invalid rule: %w", errors.Join(errs...))}
	}
	return nil
}

// ValidateCompanyID checks a company identifier taken from a URL or config
func ValidateCompanyID(companyID string) error {
	switch {
	case companyID == "":
		return &ValidationError{Err: errors.New("company id cannot be empty")}
	case len(companyID) > 100:
		return &ValidationError{Err: fmt.Errorf("company id length %d exceeds maximum of 100 characters", len(companyID))}
	case !identifierPattern.MatchString(companyID):
		return &ValidationError{Err: fmt.Errorf("company id %q must start with a letter or digit and contain only letters, digits, '_', '.', ':' or '-'", companyID)}
	}
	return nil
}

func fieldError(fe validator.FieldError) error {
	name := fe.Field()
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s is required", name)
	case "max":
		return fmt.Errorf("%s exceeds maximum length of %s", name, fe.Param())
	case "oneof":
		return fmt.Errorf("%s %q must be one of: %s", name, fe.Value(), strings.ReplaceAll(fe.Param(), " ", ", "))
	case "ident":
		return fmt.Errorf("%s %q must start with a letter or digit and contain only letters, digits, '_', '.', ':' or '-'", name, fe.Value())
	case "gte", "lte":
		return fmt.Errorf("%s %v is out of range", name, fe.Value())
	default:
		return fmt.Errorf("%s failed %s validation", name, fe.Tag())
	}
}
